// Package encoding provides the binary/JSON codecs shared by the index
// snapshot envelope and the KeyedStore vector sidecar.
package encoding

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when a vector is invalid.
var ErrInvalidVector = errors.New("invalid vector")

// EncodeVector converts a float32 slice to bytes using little-endian encoding.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}

	buf := new(bytes.Buffer)

	vectorLen := len(vector)
	if vectorLen > 2147483647 { // max int32
		return nil, fmt.Errorf("vector too large: %d elements exceeds maximum", vectorLen)
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(vectorLen)); err != nil {
		return nil, fmt.Errorf("failed to encode vector length: %w", err)
	}

	for _, val := range vector {
		if err := binary.Write(buf, binary.LittleEndian, val); err != nil {
			return nil, fmt.Errorf("failed to encode vector value: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// DecodeVector converts bytes back to a float32 slice using little-endian encoding.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}

	buf := bytes.NewReader(data)

	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to decode vector length: %w", err)
	}

	if length < 0 {
		return nil, ErrInvalidVector
	}

	if length == 0 {
		return []float32{}, nil
	}

	expectedBytes := int(length) * 4
	if buf.Len() < expectedBytes {
		return nil, ErrInvalidVector
	}

	vector := make([]float32, length)
	for i := int32(0); i < length; i++ {
		if err := binary.Read(buf, binary.LittleEndian, &vector[i]); err != nil {
			return nil, fmt.Errorf("failed to decode vector value at index %d: %w", i, err)
		}
	}

	return vector, nil
}

// EncodeMetadata converts a flat string metadata map to a JSON string.
func EncodeMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		return "", nil
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	return string(data), nil
}

// DecodeMetadata converts a JSON string back to a flat string metadata map.
func DecodeMetadata(jsonStr string) (map[string]string, error) {
	if jsonStr == "" {
		return nil, nil
	}

	var metadata map[string]string
	if err := json.Unmarshal([]byte(jsonStr), &metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return metadata, nil
}

// ValidateVector checks that vector is non-empty and free of NaN/Inf values.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}

	for _, val := range vector {
		f := float64(val)
		if f != f || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}

	return nil
}
