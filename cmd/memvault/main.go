package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nervestack/memvault"
	"github.com/nervestack/memvault/pkg/graphmodel"
	"github.com/nervestack/memvault/pkg/logging"
	"github.com/nervestack/memvault/pkg/providers"
	"github.com/nervestack/memvault/pkg/storekv"
)

var (
	dbPath  string
	userID  string
	demo    bool
	verbose bool
	asJSON  bool

	embeddingModel      string
	embeddingDim        int
	embeddingRateLimit  int
	indexM              int
	indexEfConstruction int
	indexSpace          string
	batchMaxSize        int
	batchDelayMs        int
	cacheMaxSize        int
	cacheTTLSeconds     int
	graphConfidence     float64
	graphDedup          float64
	graphMaxHops        int
)

var rootCmd = &cobra.Command{
	Use:   "memvault",
	Short: "CLI for the memvault client-side memory engine",
	Long:  `A command-line interface for ingesting memories into a per-user HNSW vector index and knowledge graph.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty index for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem()
		if err != nil {
			return err
		}
		defer sys.Close()

		ctx := context.Background()
		if err := sys.Index.CreateIndex(ctx, userID); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
		fmt.Printf("index initialized for user %q at %s (dim=%d)\n", userID, dbPath, embeddingDim)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <memory-id> <text>",
	Short: "Embed text into the vector index and fold it into the knowledge graph",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		memoryID, text := args[0], args[1]
		if memoryID == "" {
			memoryID = uuid.NewString()
		}
		metadataStr, _ := cmd.Flags().GetString("metadata")
		forceReprocess, _ := cmd.Flags().GetBool("force-reprocess")

		sys, err := openSystem()
		if err != nil {
			return err
		}
		defer sys.Close()

		metadata := make(map[string]string)
		if metadataStr != "" {
			if err := json.Unmarshal([]byte(metadataStr), &metadata); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}

		ctx := context.Background()
		vectorID, entityIDs, err := sys.Remember(ctx, userID, memoryID, text, metadata, forceReprocess)
		if err != nil {
			return fmt.Errorf("remember: %w", err)
		}

		fmt.Printf("memory %q stored as vector %d, touched %d entities\n", memoryID, vectorID, len(entityIDs))
		if verbose {
			for _, id := range entityIDs {
				fmt.Printf("  entity: %s\n", id)
			}
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the vector index for text similar to query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := args[0]
		k, _ := cmd.Flags().GetInt("top-k")
		filterStr, _ := cmd.Flags().GetString("filter")

		sys, err := openSystem()
		if err != nil {
			return err
		}
		defer sys.Close()

		var filter map[string]string
		if filterStr != "" {
			filter = make(map[string]string)
			for _, pair := range strings.Split(filterStr, ",") {
				kv := strings.SplitN(pair, "=", 2)
				if len(kv) == 2 {
					filter[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
				}
			}
		}

		ctx := context.Background()
		results, err := sys.Vectors.SearchSimilarTexts(ctx, userID, query, k, filter)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}

		if asJSON {
			data, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("found %d results:\n", len(results))
		for i, r := range results {
			fmt.Printf("%d. vector %d (distance: %.4f)\n", i+1, r.VectorID, r.Distance)
		}
		return nil
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Query and traverse the knowledge graph",
}

var graphQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Filter entities and relationships by type or label prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		typesStr, _ := cmd.Flags().GetString("types")
		prefix, _ := cmd.Flags().GetString("label-prefix")

		sys, err := openSystem()
		if err != nil {
			return err
		}
		defer sys.Close()

		var filter graphmodel.QueryFilter
		if typesStr != "" {
			filter.EntityTypes = strings.Split(typesStr, ",")
		}
		filter.LabelPrefix = prefix

		ctx := context.Background()
		entities, relationships, err := sys.Graphs.QueryGraph(ctx, userID, filter)
		if err != nil {
			return fmt.Errorf("query graph: %w", err)
		}

		if asJSON {
			data, _ := json.MarshalIndent(map[string]any{"entities": entities, "relationships": relationships}, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("entities (%d):\n", len(entities))
		for _, e := range entities {
			fmt.Printf("  %s  %-12s %-20s confidence=%.2f\n", e.ID, e.Type, e.Label, e.Confidence)
		}
		fmt.Printf("relationships (%d):\n", len(relationships))
		for _, r := range relationships {
			fmt.Printf("  %s --%s--> %s confidence=%.2f\n", r.SourceEntityID, r.Type, r.TargetEntityID, r.Confidence)
		}
		return nil
	},
}

var graphRelatedCmd = &cobra.Command{
	Use:   "related <entity-id>",
	Short: "Find entities reachable from entity-id within graph-max-hops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID := args[0]

		sys, err := openSystem()
		if err != nil {
			return err
		}
		defer sys.Close()

		ctx := context.Background()
		related, err := sys.Graphs.FindRelatedEntities(ctx, userID, entityID, graphMaxHops)
		if err != nil {
			return fmt.Errorf("find related entities: %w", err)
		}

		if asJSON {
			data, _ := json.MarshalIndent(related, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("found %d related entities:\n", len(related))
		for _, r := range related {
			fmt.Printf("  %s (%s) hops=%d path_confidence=%.4f\n", r.Entity.Label, r.Entity.ID, r.Hops, r.PathConfidence)
		}
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush pending vector writes, or compact the index with --compact",
	RunE: func(cmd *cobra.Command, args []string) error {
		compact, _ := cmd.Flags().GetBool("compact")

		sys, err := openSystem()
		if err != nil {
			return err
		}
		defer sys.Close()

		ctx := context.Background()
		if compact {
			if err := sys.Index.CompactIndex(ctx, userID); err != nil {
				return fmt.Errorf("compact index: %w", err)
			}
			fmt.Printf("index compacted for user %q\n", userID)
			return nil
		}
		if err := sys.Vectors.ForceFlushUser(ctx, userID); err != nil {
			return fmt.Errorf("force flush: %w", err)
		}
		fmt.Printf("pending writes flushed for user %q\n", userID)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display index and graph statistics for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem()
		if err != nil {
			return err
		}
		defer sys.Close()

		ctx := context.Background()
		indexStats, err := sys.Index.Stats(ctx, userID)
		if err != nil {
			return fmt.Errorf("index stats: %w", err)
		}
		graphStats, err := sys.Graphs.GetGraphStats(ctx, userID)
		if err != nil {
			return fmt.Errorf("graph stats: %w", err)
		}

		if asJSON {
			data, _ := json.MarshalIndent(map[string]any{"index": indexStats, "graph": graphStats}, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Println("index:")
		for k, v := range indexStats {
			fmt.Printf("  %s: %v\n", k, v)
		}
		fmt.Println("graph:")
		for k, v := range graphStats {
			fmt.Printf("  %s: %v\n", k, v)
		}
		return nil
	},
}

func openSystem() (*memvault.System, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path not specified")
	}

	logLevel := logging.LevelInfo
	if verbose {
		logLevel = logging.LevelDebug
	}
	logger := logging.NewStdLogger(logLevel)

	ctx := context.Background()
	kv, err := storekv.OpenSQLiteKeyedStore(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open keyed store: %w", err)
	}

	var blobs storekv.BlobStore
	if demo {
		blobs = storekv.NewDemoBlobStore()
	} else {
		blobs, err = storekv.NewLocalBlobStore(dbPath + ".blobs")
		if err != nil {
			kv.Close()
			return nil, fmt.Errorf("open blob store: %w", err)
		}
	}

	embedder := providers.NewDeterministicEmbedder(embeddingDim, embeddingRateLimit)
	extractor := providers.NewHeuristicExtractor()

	cfg := memvault.DefaultConfig()
	cfg.Embedding.Model = embeddingModel
	cfg.Embedding.Dimension = embeddingDim
	cfg.Embedding.RateLimitPerMinute = embeddingRateLimit
	cfg.Index.Dimension = embeddingDim
	cfg.Index.M = indexM
	cfg.Index.EfConstruction = indexEfConstruction
	cfg.Index.SpaceType = memvault.SpaceType(indexSpace)
	cfg.Batch.MaxBatchSize = batchMaxSize
	cfg.Batch.BatchDelay = time.Duration(batchDelayMs) * time.Millisecond
	cfg.Batch.MaxCacheSize = cacheMaxSize
	cfg.Batch.CacheTTL = time.Duration(cacheTTLSeconds) * time.Second
	cfg.Graph.ConfidenceThreshold = graphConfidence
	cfg.Graph.DeduplicationThreshold = graphDedup
	cfg.Graph.MaxHops = graphMaxHops

	return memvault.New(cfg, blobs, kv, embedder, extractor, logger), nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "memvault.db", "SQLite keyed-store path")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "default", "user id to operate on")
	rootCmd.PersistentFlags().BoolVar(&demo, "demo", false, "use the in-memory demo blob store instead of local files")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "output as JSON")

	rootCmd.PersistentFlags().StringVar(&embeddingModel, "embedding-model", "default", "embedding backend name (informational)")
	rootCmd.PersistentFlags().IntVar(&embeddingDim, "embedding-dim", 768, "embedding vector dimension")
	rootCmd.PersistentFlags().IntVar(&embeddingRateLimit, "embedding-rate-limit", 60, "embedding requests per minute")
	rootCmd.PersistentFlags().IntVar(&indexM, "index-m", 16, "HNSW max bidirectional links per node")
	rootCmd.PersistentFlags().IntVar(&indexEfConstruction, "index-ef-construction", 200, "HNSW construction-time candidate list size")
	rootCmd.PersistentFlags().StringVar(&indexSpace, "index-space", "cosine", "distance metric: cosine or l2")
	rootCmd.PersistentFlags().IntVar(&batchMaxSize, "batch-max-size", 50, "pending-write buffer size before a synchronous flush")
	rootCmd.PersistentFlags().IntVar(&batchDelayMs, "batch-delay-ms", 5000, "max age in milliseconds before a background flush")
	rootCmd.PersistentFlags().IntVar(&cacheMaxSize, "cache-max-size", 100, "embedding cache capacity")
	rootCmd.PersistentFlags().IntVar(&cacheTTLSeconds, "cache-ttl", 1800, "embedding cache entry lifetime in seconds")
	rootCmd.PersistentFlags().Float64Var(&graphConfidence, "graph-confidence-threshold", 0.7, "minimum confidence to add a relationship")
	rootCmd.PersistentFlags().Float64Var(&graphDedup, "graph-dedup-threshold", 0.85, "minimum match score to merge entities")
	rootCmd.PersistentFlags().IntVar(&graphMaxHops, "graph-max-hops", 3, "max hops for graph traversal")

	addCmd.Flags().String("metadata", "", "metadata as JSON object")
	addCmd.Flags().Bool("force-reprocess", false, "re-extract and re-merge into the knowledge graph even if this memory id was already processed")

	searchCmd.Flags().Int("top-k", 10, "number of results")
	searchCmd.Flags().String("filter", "", "metadata filters (key=value,key2=value2)")

	graphCmd.AddCommand(graphQueryCmd, graphRelatedCmd)
	graphQueryCmd.Flags().String("types", "", "comma-separated entity types")
	graphQueryCmd.Flags().String("label-prefix", "", "entity label prefix")

	flushCmd.Flags().Bool("compact", false, "rebuild the index, dropping tombstoned vectors")

	rootCmd.AddCommand(initCmd, addCmd, searchCmd, graphCmd, flushCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
