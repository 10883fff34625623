// Package config loads and validates engine configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML file, then
// SUTRA_* environment variables. An optional dotenv file (named by SUTRA_ENV,
// ".env" when unset) is read first so containers can ship SUTRA_* values as a
// file without touching the real environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/embed"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/index"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

// DefaultPath is where the CLI looks for a config file when no flag names one.
const DefaultPath = "sutra.yaml"

// Config holds every tunable of the engine, organized the way the YAML file
// is. Durations are written in Go syntax ("50ms", "5m", "720h").
type Config struct {
	Storage   StorageConfig  `yaml:"storage"`
	Wire      WireConfig     `yaml:"wire"`
	Ops       OpsConfig      `yaml:"ops"`
	Embedding embed.Config   `yaml:"embedding"`
	Learning  LearningConfig `yaml:"learning"`
	Prune     PruneConfig    `yaml:"prune"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// StorageConfig covers the graph store, its WAL, checkpoints, and the vector
// index.
type StorageConfig struct {
	// DataDir holds one subdirectory per shard.
	DataDir string `yaml:"data_dir"`
	// Shards fixes the number of lock domains for the life of DataDir.
	Shards int `yaml:"shards"`
	// Dimensions is the embedding width the index accepts. Zero disables
	// vector indexing.
	Dimensions int `yaml:"dimensions"`
	// SyncMode is the WAL fsync policy: immediate, batch, or none.
	SyncMode string `yaml:"sync_mode"`
	// BatchInterval is the fsync timer under the batch sync mode.
	BatchInterval time.Duration `yaml:"batch_interval"`
	// MaxSegmentSize rotates WAL segments past this many bytes.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
	// CheckpointInterval and CheckpointAppends schedule automatic
	// checkpoints; zero disables that trigger.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointAppends  uint64        `yaml:"checkpoint_appends"`
	// CheckpointKeep is how many checkpoint generations to retain.
	CheckpointKeep int `yaml:"checkpoint_keep"`
	// HalfLife is the decay half-life for effective strength.
	HalfLife time.Duration `yaml:"half_life"`
	// ArchiveDir is the cold store for pruned concepts. Empty disables
	// archiving; pruned nodes are then dropped outright.
	ArchiveDir string      `yaml:"archive_dir"`
	Index      IndexConfig `yaml:"index"`
}

// IndexConfig tunes the per-shard HNSW index. Zero fields take the index
// package defaults.
type IndexConfig struct {
	M              int `yaml:"m"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
}

// WireConfig covers the binary protocol listener.
type WireConfig struct {
	Addr           string `yaml:"addr"`
	MaxConnections int    `yaml:"max_connections"`
	ReadBuffer     int    `yaml:"read_buffer"`
	WriteBuffer    int    `yaml:"write_buffer"`
}

// OpsConfig covers the operational HTTP endpoint.
type OpsConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LearningConfig tunes the ingestion pipeline. Zero fields take the learn
// package defaults.
type LearningConfig struct {
	// MaxAssociations caps extraction candidates per learned unit.
	MaxAssociations int `yaml:"max_associations"`
	// EmbedTimeout bounds one provider call during learning.
	EmbedTimeout time.Duration `yaml:"embed_timeout"`
	// Concurrency bounds batch-learn workers.
	Concurrency int `yaml:"concurrency"`
}

// PruneConfig is the criteria applied when a maintenance prune request
// carries no overrides.
type PruneConfig struct {
	MaxEffectiveStrength float64       `yaml:"max_effective_strength"`
	MaxConfidence        float64       `yaml:"max_confidence"`
	MinIdle              time.Duration `yaml:"min_idle"`
}

// LoggingConfig selects the zap profile.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Empty means info.
	Level string `yaml:"level"`
	// Development switches to console encoding with human timestamps.
	Development bool `yaml:"development"`
}

// DefaultConfig returns the settings a file or the environment overrides.
// The embedding provider starts disabled but pre-filled for a local Ollama,
// so SUTRA_EMBEDDING_PROVIDER=ollama alone turns it on.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:            "./data",
			Shards:             4,
			Dimensions:         0,
			SyncMode:           "immediate",
			BatchInterval:      50 * time.Millisecond,
			MaxSegmentSize:     64 << 20,
			CheckpointInterval: 5 * time.Minute,
			CheckpointAppends:  10000,
			CheckpointKeep:     2,
			HalfLife:           720 * time.Hour,
			Index: IndexConfig{
				M:              16,
				EfConstruction: 200,
				EfSearch:       100,
			},
		},
		Wire: WireConfig{
			Addr:           ":7171",
			MaxConnections: 64,
			ReadBuffer:     8192,
			WriteBuffer:    8192,
		},
		Ops: OpsConfig{
			Addr:         ":7172",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Embedding: embed.Config{
			Provider:   "",
			APIURL:     "http://localhost:11434",
			APIPath:    "/api/embeddings",
			Model:      "mxbai-embed-large",
			Dimensions: 1024,
			Timeout:    30 * time.Second,
		},
		Learning: LearningConfig{
			MaxAssociations: 8,
			EmbedTimeout:    10 * time.Second,
			Concurrency:     4,
		},
		Prune: PruneConfig{
			MaxEffectiveStrength: 0.05,
			MaxConfidence:        0.25,
			MinIdle:              720 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path, and SUTRA_*
// environment variables, in that order of precedence. An empty path skips
// the file layer. The result is validated.
func Load(path string) (*Config, error) {
	envFile := os.Getenv("SUTRA_ENV")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	config := DefaultConfig()
	if path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	// Misspelled keys silently falling back to defaults are the worst
	// kind of config bug.
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// WriteDefault writes a documented default config file to path. It refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := f.WriteString(defaultYAML); err != nil {
		f.Close()
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return f.Close()
}

const defaultYAML = `# Sutra engine configuration.
# Values here override built-in defaults; SUTRA_* environment variables
# override values here. Durations use Go syntax: 50ms, 5m, 720h.

storage:
  data_dir: ./data
  # Lock domains for concurrent access. Fixed for the life of data_dir.
  shards: 4
  # Embedding vector width accepted by the index. Zero disables vector
  # indexing; concepts may still carry unindexed vectors.
  dimensions: 0
  # WAL fsync policy: immediate, batch, or none.
  sync_mode: immediate
  batch_interval: 50ms
  max_segment_size: 67108864
  checkpoint_interval: 5m
  checkpoint_appends: 10000
  checkpoint_keep: 2
  # Decay half-life for effective strength.
  half_life: 720h
  # Cold store for pruned concepts. Empty disables archiving.
  archive_dir: ""
  index:
    m: 16
    ef_construction: 200
    ef_search: 100

wire:
  addr: ":7171"
  max_connections: 64
  read_buffer: 8192
  write_buffer: 8192

ops:
  addr: ":7172"
  read_timeout: 10s
  write_timeout: 30s
  idle_timeout: 120s

# Provider: openai, ollama, mock, or empty to disable embedding.
embedding:
  provider: ""
  api_url: http://localhost:11434
  api_path: /api/embeddings
  api_key: ""
  model: mxbai-embed-large
  dimensions: 1024
  timeout: 30s

learning:
  max_associations: 8
  embed_timeout: 10s
  concurrency: 4

# Criteria applied when a maintenance prune request carries no overrides.
prune:
  max_effective_strength: 0.05
  max_confidence: 0.25
  min_idle: 720h

logging:
  # debug, info, warn, or error.
  level: info
  development: false
`

// applyEnv overrides fields from SUTRA_* environment variables. Unset or
// unparseable values leave the field alone.
func (c *Config) applyEnv() {
	c.Storage.DataDir = getEnv("SUTRA_DATA_DIR", c.Storage.DataDir)
	c.Storage.Shards = getEnvInt("SUTRA_SHARDS", c.Storage.Shards)
	c.Storage.Dimensions = getEnvInt("SUTRA_DIMENSIONS", c.Storage.Dimensions)
	c.Storage.SyncMode = getEnv("SUTRA_SYNC_MODE", c.Storage.SyncMode)
	c.Storage.BatchInterval = getEnvDuration("SUTRA_BATCH_INTERVAL", c.Storage.BatchInterval)
	c.Storage.MaxSegmentSize = getEnvInt64("SUTRA_MAX_SEGMENT_SIZE", c.Storage.MaxSegmentSize)
	c.Storage.CheckpointInterval = getEnvDuration("SUTRA_CHECKPOINT_INTERVAL", c.Storage.CheckpointInterval)
	c.Storage.CheckpointAppends = getEnvUint64("SUTRA_CHECKPOINT_APPENDS", c.Storage.CheckpointAppends)
	c.Storage.CheckpointKeep = getEnvInt("SUTRA_CHECKPOINT_KEEP", c.Storage.CheckpointKeep)
	c.Storage.HalfLife = getEnvDuration("SUTRA_HALF_LIFE", c.Storage.HalfLife)
	c.Storage.ArchiveDir = getEnv("SUTRA_ARCHIVE_DIR", c.Storage.ArchiveDir)
	c.Storage.Index.M = getEnvInt("SUTRA_INDEX_M", c.Storage.Index.M)
	c.Storage.Index.EfConstruction = getEnvInt("SUTRA_INDEX_EF_CONSTRUCTION", c.Storage.Index.EfConstruction)
	c.Storage.Index.EfSearch = getEnvInt("SUTRA_INDEX_EF_SEARCH", c.Storage.Index.EfSearch)

	c.Wire.Addr = getEnv("SUTRA_WIRE_ADDR", c.Wire.Addr)
	c.Wire.MaxConnections = getEnvInt("SUTRA_WIRE_MAX_CONNECTIONS", c.Wire.MaxConnections)
	c.Wire.ReadBuffer = getEnvInt("SUTRA_WIRE_READ_BUFFER", c.Wire.ReadBuffer)
	c.Wire.WriteBuffer = getEnvInt("SUTRA_WIRE_WRITE_BUFFER", c.Wire.WriteBuffer)

	c.Ops.Addr = getEnv("SUTRA_OPS_ADDR", c.Ops.Addr)
	c.Ops.ReadTimeout = getEnvDuration("SUTRA_OPS_READ_TIMEOUT", c.Ops.ReadTimeout)
	c.Ops.WriteTimeout = getEnvDuration("SUTRA_OPS_WRITE_TIMEOUT", c.Ops.WriteTimeout)
	c.Ops.IdleTimeout = getEnvDuration("SUTRA_OPS_IDLE_TIMEOUT", c.Ops.IdleTimeout)

	c.Embedding.Provider = getEnv("SUTRA_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.APIURL = getEnv("SUTRA_EMBEDDING_API_URL", c.Embedding.APIURL)
	c.Embedding.APIPath = getEnv("SUTRA_EMBEDDING_API_PATH", c.Embedding.APIPath)
	c.Embedding.APIKey = getEnv("SUTRA_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.Model = getEnv("SUTRA_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimensions = getEnvInt("SUTRA_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Embedding.Timeout = getEnvDuration("SUTRA_EMBEDDING_TIMEOUT", c.Embedding.Timeout)

	c.Learning.MaxAssociations = getEnvInt("SUTRA_MAX_ASSOCIATIONS", c.Learning.MaxAssociations)
	c.Learning.EmbedTimeout = getEnvDuration("SUTRA_EMBED_TIMEOUT", c.Learning.EmbedTimeout)
	c.Learning.Concurrency = getEnvInt("SUTRA_LEARN_CONCURRENCY", c.Learning.Concurrency)

	c.Prune.MaxEffectiveStrength = getEnvFloat("SUTRA_PRUNE_MAX_STRENGTH", c.Prune.MaxEffectiveStrength)
	c.Prune.MaxConfidence = getEnvFloat("SUTRA_PRUNE_MAX_CONFIDENCE", c.Prune.MaxConfidence)
	c.Prune.MinIdle = getEnvDuration("SUTRA_PRUNE_MIN_IDLE", c.Prune.MinIdle)

	c.Logging.Level = getEnv("SUTRA_LOG_LEVEL", c.Logging.Level)
	c.Logging.Development = getEnvBool("SUTRA_LOG_DEVELOPMENT", c.Logging.Development)
}

// Validate reports the first problem that would make the engine misbehave
// at runtime.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New("config: storage.data_dir is required")
	}
	if c.Storage.Shards < 1 {
		return fmt.Errorf("config: storage.shards must be at least 1, got %d", c.Storage.Shards)
	}
	if c.Storage.Dimensions < 0 {
		return fmt.Errorf("config: storage.dimensions must not be negative, got %d", c.Storage.Dimensions)
	}
	if _, err := storage.ParseSyncMode(c.Storage.SyncMode); err != nil {
		return fmt.Errorf("config: storage.sync_mode: %w", err)
	}
	if c.Storage.BatchInterval < 0 || c.Storage.CheckpointInterval < 0 || c.Storage.HalfLife < 0 {
		return errors.New("config: storage durations must not be negative")
	}
	if c.Storage.MaxSegmentSize < 0 {
		return fmt.Errorf("config: storage.max_segment_size must not be negative, got %d", c.Storage.MaxSegmentSize)
	}
	if c.Storage.CheckpointKeep < 0 {
		return fmt.Errorf("config: storage.checkpoint_keep must not be negative, got %d", c.Storage.CheckpointKeep)
	}
	if m := c.Storage.Index.M; m < 0 || m == 1 {
		return fmt.Errorf("config: storage.index.m must be 0 or at least 2, got %d", m)
	}
	if c.Storage.Index.EfConstruction < 0 || c.Storage.Index.EfSearch < 0 {
		return errors.New("config: storage.index ef values must not be negative")
	}

	if c.Wire.Addr == "" {
		return errors.New("config: wire.addr is required")
	}
	if c.Wire.MaxConnections < 1 {
		return fmt.Errorf("config: wire.max_connections must be at least 1, got %d", c.Wire.MaxConnections)
	}
	if c.Wire.ReadBuffer < 0 || c.Wire.WriteBuffer < 0 {
		return errors.New("config: wire buffer sizes must not be negative")
	}

	if c.Ops.Addr == "" {
		return errors.New("config: ops.addr is required")
	}
	if c.Ops.ReadTimeout < 0 || c.Ops.WriteTimeout < 0 || c.Ops.IdleTimeout < 0 {
		return errors.New("config: ops timeouts must not be negative")
	}

	if err := c.validateEmbedding(); err != nil {
		return err
	}

	if c.Learning.MaxAssociations < 0 {
		return fmt.Errorf("config: learning.max_associations must not be negative, got %d", c.Learning.MaxAssociations)
	}
	if c.Learning.EmbedTimeout < 0 {
		return errors.New("config: learning.embed_timeout must not be negative")
	}
	if c.Learning.Concurrency < 0 {
		return fmt.Errorf("config: learning.concurrency must not be negative, got %d", c.Learning.Concurrency)
	}

	if c.Prune.MaxEffectiveStrength < 0 || c.Prune.MaxEffectiveStrength > 1 {
		return fmt.Errorf("config: prune.max_effective_strength must be within [0,1], got %g", c.Prune.MaxEffectiveStrength)
	}
	if c.Prune.MaxConfidence < 0 || c.Prune.MaxConfidence > 1 {
		return fmt.Errorf("config: prune.max_confidence must be within [0,1], got %g", c.Prune.MaxConfidence)
	}
	if c.Prune.MinIdle < 0 {
		return errors.New("config: prune.min_idle must not be negative")
	}

	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("config: logging.level: %w", err)
		}
	}
	return nil
}

func (c *Config) validateEmbedding() error {
	switch c.Embedding.Provider {
	case "":
		return nil
	case "mock":
	case "ollama", "openai":
		if c.Embedding.APIURL == "" {
			return fmt.Errorf("config: embedding.api_url is required for provider %q", c.Embedding.Provider)
		}
		if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
			return errors.New("config: embedding.api_key is required for provider \"openai\"")
		}
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions < 1 {
		return fmt.Errorf("config: embedding.dimensions must be at least 1 for provider %q", c.Embedding.Provider)
	}
	// A provider whose width disagrees with the index would have every
	// vector rejected at commit time.
	if c.Storage.Dimensions > 0 && c.Embedding.Dimensions != c.Storage.Dimensions {
		return fmt.Errorf("config: embedding.dimensions %d does not match storage.dimensions %d",
			c.Embedding.Dimensions, c.Storage.Dimensions)
	}
	return nil
}

// StoreConfig maps the storage section onto the store's own config type.
// Zero index fields take the index defaults, and the level multiplier is
// derived from the final M.
func (c *Config) StoreConfig() (storage.Config, error) {
	mode, err := storage.ParseSyncMode(c.Storage.SyncMode)
	if err != nil {
		return storage.Config{}, fmt.Errorf("config: storage.sync_mode: %w", err)
	}
	idx := index.Config{
		M:              c.Storage.Index.M,
		EfConstruction: c.Storage.Index.EfConstruction,
		EfSearch:       c.Storage.Index.EfSearch,
	}
	def := index.DefaultConfig()
	if idx.M == 0 {
		idx.M = def.M
	}
	if idx.EfConstruction == 0 {
		idx.EfConstruction = def.EfConstruction
	}
	if idx.EfSearch == 0 {
		idx.EfSearch = def.EfSearch
	}
	idx.LevelMultiplier = 1.0 / math.Log(float64(idx.M))

	return storage.Config{
		Dir:                c.Storage.DataDir,
		ShardCount:         c.Storage.Shards,
		Dimensions:         c.Storage.Dimensions,
		SyncMode:           mode,
		BatchInterval:      c.Storage.BatchInterval,
		MaxSegmentSize:     c.Storage.MaxSegmentSize,
		CheckpointInterval: c.Storage.CheckpointInterval,
		CheckpointAppends:  c.Storage.CheckpointAppends,
		CheckpointKeep:     c.Storage.CheckpointKeep,
		HalfLife:           c.Storage.HalfLife,
		Index:              idx,
	}, nil
}

// Criteria maps the prune section onto the store's criteria type.
func (p PruneConfig) Criteria() storage.PruneCriteria {
	return storage.PruneCriteria{
		MaxEffectiveStrength: p.MaxEffectiveStrength,
		MaxConfidence:        p.MaxConfidence,
		MinIdle:              p.MinIdle,
	}
}

// Build constructs the zap logger the logging section describes.
func (l LoggingConfig) Build() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if l.Level != "" {
		parsed, err := zapcore.ParseLevel(l.Level)
		if err != nil {
			return nil, fmt.Errorf("config: logging.level: %w", err)
		}
		level = parsed
	}
	var zc zap.Config
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("config: build logger: %w", err)
	}
	return logger, nil
}

// Helper functions for environment variable parsing.

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvUint64(key string, fallback uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseUint(val, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare integers are taken as seconds.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
