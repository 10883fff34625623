// Package main provides the Sutra CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/archive"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/config"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/embed"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/learn"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/query"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/server"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/wire"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const clientTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "sutra",
		Short: "Sutra - Persistent Knowledge Graph Engine",
		Long: `Sutra is a persistent, concurrently-accessed knowledge graph engine.

Concepts are content-addressed, associations are typed and weighted, and
every mutation is durable through a write-ahead log with checkpoints.
Learning extracts associations from raw text; queries traverse the graph
with semantic filters over a binary wire protocol.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Sutra v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Sutra engine",
		Long:  "Start the engine with the wire protocol listener and the operational HTTP endpoint",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", config.DefaultPath, "Config file path")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().String("wire-addr", "", "Wire protocol listen address (overrides config)")
	serveCmd.Flags().String("ops-addr", "", "Ops HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file and create the data directory",
		RunE:  runInit,
	}
	initCmd.Flags().String("config", config.DefaultPath, "Config file path to write")
	initCmd.Flags().String("data-dir", "./data", "Data directory to create")
	rootCmd.AddCommand(initCmd)

	learnCmd := &cobra.Command{
		Use:   "learn [content...]",
		Short: "Learn one or more units of content",
		Long:  "Learn content over the wire protocol. A single \"-\" argument reads one unit from stdin.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLearn,
	}
	learnCmd.Flags().String("addr", "127.0.0.1:7171", "Engine wire address")
	learnCmd.Flags().Float64("strength", 0, "Initial strength override")
	learnCmd.Flags().Float64("confidence", 0, "Confidence override")
	rootCmd.AddCommand(learnCmd)

	pathCmd := &cobra.Command{
		Use:   "path <start> <end>",
		Short: "Find association paths between two concepts",
		Long:  "Arguments are concept ids (32 hex characters) or raw content, which is hashed to its id.",
		Args:  cobra.ExactArgs(2),
		RunE:  runPath,
	}
	pathCmd.Flags().String("addr", "127.0.0.1:7171", "Engine wire address")
	pathCmd.Flags().Int("max-depth", 5, "Maximum number of hops")
	pathCmd.Flags().Bool("causal", false, "Follow only causal links")
	pathCmd.Flags().Bool("temporal", false, "Follow only temporal links")
	rootCmd.AddCommand(pathCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show graph statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().String("addr", "127.0.0.1:7171", "Engine wire address")
	rootCmd.AddCommand(statsCmd)

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune weak idle concepts",
		Long:  "Trigger a prune pass through the ops endpoint. Without flags the server's configured criteria apply.",
		RunE:  runPrune,
	}
	pruneCmd.Flags().String("ops", "http://127.0.0.1:7172", "Ops endpoint base URL")
	pruneCmd.Flags().Float64("max-strength", 0, "Effective strength at or below which a concept qualifies")
	pruneCmd.Flags().Float64("max-confidence", 0, "Confidence at or below which a concept qualifies")
	pruneCmd.Flags().Float64("min-idle-hours", 0, "Hours a concept must have been idle")
	rootCmd.AddCommand(pruneCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") {
		// The default path is optional; a named one must exist.
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("wire-addr") {
		cfg.Wire.Addr, _ = cmd.Flags().GetString("wire-addr")
	}
	if cmd.Flags().Changed("ops-addr") {
		cfg.Ops.Addr, _ = cmd.Flags().GetString("ops-addr")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Logging.Build()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	fmt.Printf("🚀 Starting Sutra v%s\n", version)
	fmt.Printf("   Data directory: %s\n", cfg.Storage.DataDir)
	fmt.Printf("   Wire protocol:  %s\n", cfg.Wire.Addr)
	fmt.Printf("   Ops endpoint:   %s\n", cfg.Ops.Addr)
	if cfg.Embedding.Provider != "" {
		fmt.Printf("   Embeddings:     %s %s (%d dims)\n",
			cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	} else {
		fmt.Println("   Embeddings:     disabled")
	}
	fmt.Println()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		return err
	}
	storeCfg.Logger = logger

	if cfg.Storage.ArchiveDir != "" {
		arc, err := archive.Open(archive.Options{Dir: cfg.Storage.ArchiveDir, Logger: logger})
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer arc.Close()
		storeCfg.Archiver = arc
	}

	fmt.Println("📂 Opening graph store...")
	store, err := storage.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	snap := store.Stats()
	fmt.Printf("   ✅ %d concepts, %d associations across %d shards\n",
		snap.Concepts, snap.Associations, len(snap.Shards))

	embedder, err := embed.New(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("configuring embedding provider: %w", err)
	}

	pipeline, err := learn.New(learn.Config{
		Store:           store,
		Embedder:        embedder,
		MaxAssociations: cfg.Learning.MaxAssociations,
		EmbedTimeout:    cfg.Learning.EmbedTimeout,
		Concurrency:     cfg.Learning.Concurrency,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	var worker *embed.Worker
	if embedder != nil {
		worker = embed.NewWorker(embed.WorkerConfig{
			Embedder: embedder,
			Target:   store,
			Logger:   logger,
		})
		worker.Start()
		defer worker.Stop()
	}

	engine, err := query.New(query.Config{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	wireSrv, err := wire.New(&wire.Config{
		Addr:            cfg.Wire.Addr,
		MaxConnections:  cfg.Wire.MaxConnections,
		ReadBufferSize:  cfg.Wire.ReadBuffer,
		WriteBufferSize: cfg.Wire.WriteBuffer,
		Logger:          logger,
	}, wire.Backend{Learner: pipeline, Engine: engine, Store: store})
	if err != nil {
		return err
	}
	wireErr := make(chan error, 1)
	go func() { wireErr <- wireSrv.ListenAndServe() }()

	opsSrv, err := server.New(store, &server.Config{
		Addr:         cfg.Ops.Addr,
		ReadTimeout:  cfg.Ops.ReadTimeout,
		WriteTimeout: cfg.Ops.WriteTimeout,
		IdleTimeout:  cfg.Ops.IdleTimeout,
		Prune:        cfg.Prune.Criteria(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := opsSrv.Start(); err != nil {
		_ = wireSrv.Close()
		return fmt.Errorf("starting ops endpoint: %w", err)
	}

	fmt.Println()
	fmt.Println("✅ Sutra is ready!")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  • Wire protocol: %s\n", hostport(cfg.Wire.Addr))
	fmt.Printf("  • Health:        http://%s/health\n", hostport(cfg.Ops.Addr))
	fmt.Printf("  • Stats:         http://%s/stats\n", hostport(cfg.Ops.Addr))
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-wireErr:
		if err != nil {
			_ = opsSrv.Stop(context.Background())
			return fmt.Errorf("wire server: %w", err)
		}
		return nil
	case <-sigChan:
	}

	fmt.Println("\n🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := wireSrv.Close(); err != nil {
		logger.Warn("wire server close", zap.Error(err))
	}
	if worker != nil {
		worker.Stop()
	}
	if err := opsSrv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping ops endpoint: %w", err)
	}

	fmt.Println("✅ Server stopped gracefully")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	fmt.Printf("📂 Initializing Sutra in %s\n", dataDir)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}
	if err := config.WriteDefault(configPath); err != nil {
		return err
	}

	fmt.Println("✅ Initialized successfully")
	fmt.Printf("   Config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Start the engine:  sutra serve --config", configPath)
	fmt.Println("  2. Learn something:   sutra learn \"water boils at 100 celsius\"")

	return nil
}

func runLearn(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	strength, _ := cmd.Flags().GetFloat64("strength")
	confidence, _ := cmd.Flags().GetFloat64("confidence")

	contents := args
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		contents = []string{string(data)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	client, err := wire.DialContext(ctx, addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer client.Close()

	opts := learn.Options{Strength: strength, Confidence: confidence}
	if len(contents) == 1 {
		result, err := client.Learn(ctx, contents[0], opts)
		if err != nil {
			return err
		}
		printLearnResult(contents[0], result)
		return nil
	}

	results, err := client.LearnBatch(ctx, contents, opts)
	if err != nil {
		return err
	}
	for i, result := range results {
		printLearnResult(contents[i], result)
	}
	return nil
}

func printLearnResult(content string, result learn.Result) {
	state := "reinforced"
	if result.New {
		state = "new"
	}
	fmt.Printf("✅ %s  %-10s associations=%d embedded=%v  %s\n",
		result.ID, state, result.Associations, result.Embedded, snippet(content))
}

func runPath(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	maxDepth, _ := cmd.Flags().GetInt("max-depth")
	causal, _ := cmd.Flags().GetBool("causal")
	temporal, _ := cmd.Flags().GetBool("temporal")
	if causal && temporal {
		return errors.New("--causal and --temporal are mutually exclusive")
	}

	start := parseConceptRef(args[0])
	end := parseConceptRef(args[1])

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	client, err := wire.DialContext(ctx, addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer client.Close()

	var paths []query.Path
	switch {
	case causal:
		paths, err = client.FindCausalChain(ctx, start, end, maxDepth)
	case temporal:
		paths, err = client.FindTemporalChain(ctx, start, end, maxDepth, time.Time{}, time.Time{})
	default:
		paths, err = client.FindPath(ctx, start, end, maxDepth)
	}
	if err != nil {
		return err
	}

	if len(paths) == 0 {
		fmt.Printf("No path from %s to %s within %d hops.\n", start, end, maxDepth)
		return nil
	}
	for i, p := range paths {
		fmt.Printf("Path %d (%d hops, confidence %.2f):\n", i+1, p.Length(), p.Confidence)
		fmt.Printf("   %s\n", p.Start)
		for _, step := range p.Steps {
			fmt.Printf("   --[%s %.2f]--> %s  %s\n",
				step.Assoc.Type, step.Assoc.Confidence, step.Node.ID, snippet(step.Node.Content))
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	client, err := wire.DialContext(ctx, addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer client.Close()

	snap, err := client.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Println("📊 Graph statistics:")
	fmt.Printf("   Concepts:     %d\n", snap.Concepts)
	fmt.Printf("   Associations: %d\n", snap.Associations)
	fmt.Printf("   Shards:       %d\n", len(snap.Shards))
	fmt.Printf("   Uptime:       %s\n", snap.Uptime.Round(time.Second))
	fmt.Printf("   Recovered:    %v\n", snap.Recovered)
	if len(snap.ByType) > 0 {
		fmt.Println("   By type:")
		types := make([]string, 0, len(snap.ByType))
		for name := range snap.ByType {
			types = append(types, name)
		}
		sort.Strings(types)
		for _, name := range types {
			fmt.Printf("     %-12s %d\n", name, snap.ByType[name])
		}
	}
	c := snap.Counters
	fmt.Println("   Activity:")
	fmt.Printf("     learns=%d gets=%d links=%d queries=%d prunes=%d checkpoints=%d\n",
		c.Learns, c.Gets, c.Links, c.Queries, c.Prunes, c.Checkpoints)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	opsURL, _ := cmd.Flags().GetString("ops")

	overrides := map[string]float64{}
	if cmd.Flags().Changed("max-strength") {
		overrides["max_effective_strength"], _ = cmd.Flags().GetFloat64("max-strength")
	}
	if cmd.Flags().Changed("max-confidence") {
		overrides["max_confidence"], _ = cmd.Flags().GetFloat64("max-confidence")
	}
	if cmd.Flags().Changed("min-idle-hours") {
		overrides["min_idle_hours"], _ = cmd.Flags().GetFloat64("min-idle-hours")
	}

	var body io.Reader = http.NoBody
	if len(overrides) > 0 {
		encoded, err := json.Marshal(overrides)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(opsURL, "/")+"/maintenance/prune", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling ops endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var fail struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&fail)
		if fail.Error != "" {
			return fmt.Errorf("prune failed: %s", fail.Error)
		}
		return fmt.Errorf("prune failed: %s", resp.Status)
	}

	var result storage.PruneResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding prune result: %w", err)
	}
	fmt.Printf("🧹 Pruned %d of %d scanned (%d archived)\n",
		result.Pruned, result.Scanned, result.Archived)
	return nil
}

// parseConceptRef accepts a rendered concept id or raw content. Content that
// happens to be 32 hex characters is taken as an id.
func parseConceptRef(s string) concept.ConceptID {
	if id, err := concept.ParseID(s); err == nil {
		return id
	}
	return concept.DeriveID(s)
}

// hostport makes a bind address printable: ":7171" becomes "localhost:7171".
func hostport(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func snippet(content string) string {
	content = strings.ReplaceAll(content, "\n", " ")
	if len(content) > 48 {
		return content[:45] + "..."
	}
	return content
}
