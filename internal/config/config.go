// Package config loads engine configuration from YAML with environment overrides.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/agent-recall/internal/model"
)

// FocusLevels is the number of rows in the focus table (levels 0..5).
const FocusLevels = 6

// Config is the full engine configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Log         LogConfig         `yaml:"log"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Store       StoreConfig       `yaml:"store"`
	Search      SearchConfig      `yaml:"search"`
	Reconstruct ReconstructConfig `yaml:"reconstruct"`
	Anchor      AnchorConfig      `yaml:"anchor"`
	Queue       QueueConfig       `yaml:"queue"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// EmbeddingConfig selects and bounds the embedding provider.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // ollama | openai | hash | "" (disabled)
	Model     string        `yaml:"model"`
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	Dims      int           `yaml:"dims"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int64         `yaml:"cache_size"` // max cached query vectors
}

type StoreConfig struct {
	Shards            int     `yaml:"shards"`
	DefaultConfidence float64 `yaml:"default_confidence"`
}

type SearchConfig struct {
	DefaultK       int `yaml:"default_k"`
	CandidateLimit int `yaml:"candidate_limit"`
}

// FocusLevel is one row of the focus-level budget table.
type FocusLevel struct {
	Records    int              `yaml:"records"`
	Categories []model.Category `yaml:"categories"` // empty = all categories
	Anchors    int              `yaml:"anchors"`
}

type ReconstructConfig struct {
	Focus          []FocusLevel  `yaml:"focus"`
	PoolFactor     int           `yaml:"pool_factor"`
	LocationBoost  float64       `yaml:"location_boost"`
	MoodBoost      float64       `yaml:"mood_boost"`
	TemporalWindow time.Duration `yaml:"temporal_window"`
	AnchorWindow   time.Duration `yaml:"anchor_window"`
	MaxItemChars   int           `yaml:"max_item_chars"`
}

type AnchorConfig struct {
	Threshold     float64       `yaml:"threshold"`
	MinConfidence float64       `yaml:"min_confidence"`
	MaxRetries    int           `yaml:"max_retries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Overlap re-scans records created this long before the last cursor,
	// catching writes that committed late after queue retries.
	Overlap time.Duration `yaml:"overlap"`
}

type QueueConfig struct {
	Workers     int           `yaml:"workers"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	History     int           `yaml:"history"`
}

// DefaultFocus returns the staged focus-level table.
func DefaultFocus() []FocusLevel {
	return []FocusLevel{
		{Records: 0, Anchors: 1},
		{Records: 3, Categories: []model.Category{model.CategoryIdentity, model.CategoryPreference}},
		{Records: 5, Categories: []model.Category{
			model.CategoryIdentity, model.CategoryPreference,
			model.CategoryRelationship, model.CategoryEmotionalAnchor,
		}},
		{Records: 8, Anchors: 1, Categories: []model.Category{
			model.CategoryIdentity, model.CategoryPreference,
			model.CategoryRelationship, model.CategoryEmotionalAnchor,
			model.CategoryEvent, model.CategorySkill,
		}},
		{Records: 12, Anchors: 2, Categories: []model.Category{
			model.CategoryIdentity, model.CategoryPreference,
			model.CategoryRelationship, model.CategoryEmotionalAnchor,
			model.CategoryEvent, model.CategorySkill,
			model.CategoryUnresolvedQuestion,
		}},
		{Records: 20, Anchors: 5},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Embedding: EmbeddingConfig{
			Timeout:   800 * time.Millisecond,
			CacheSize: 4096,
		},
		Store: StoreConfig{
			Shards:            4,
			DefaultConfidence: model.DefaultConfidence,
		},
		Search: SearchConfig{
			DefaultK:       10,
			CandidateLimit: 2000,
		},
		Reconstruct: ReconstructConfig{
			Focus:          DefaultFocus(),
			PoolFactor:     3,
			LocationBoost:  0.15,
			MoodBoost:      0.10,
			TemporalWindow: 7 * 24 * time.Hour,
			AnchorWindow:   30 * 24 * time.Hour,
			MaxItemChars:   600,
		},
		Anchor: AnchorConfig{
			Threshold:     0.70,
			MaxRetries:    3,
			SweepInterval: time.Minute,
			Overlap:       time.Hour,
		},
		Queue: QueueConfig{
			Workers:     4,
			MaxRetries:  5,
			BackoffBase: 200 * time.Millisecond,
			BackoffMax:  30 * time.Second,
			History:     10000,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, goerr.Wrap(err, "failed to read config", goerr.V("path", path))
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, goerr.Wrap(err, "failed to parse config", goerr.V("path", path))
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the AGENT_RECALL_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENT_RECALL_DATA"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("AGENT_RECALL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AGENT_RECALL_EMBED_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("AGENT_RECALL_EMBED_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("AGENT_RECALL_EMBED_URL"); v != "" {
		c.Embedding.URL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = v
	}
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	unit := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return goerr.New("config value must be within [0,1]", goerr.V("key", name), goerr.V("value", v))
		}
		return nil
	}
	for name, v := range map[string]float64{
		"anchor.threshold":         c.Anchor.Threshold,
		"anchor.min_confidence":    c.Anchor.MinConfidence,
		"store.default_confidence": c.Store.DefaultConfidence,
	} {
		if err := unit(name, v); err != nil {
			return err
		}
	}
	if len(c.Reconstruct.Focus) != FocusLevels {
		return goerr.New("reconstruct.focus must have one row per focus level", goerr.V("rows", len(c.Reconstruct.Focus)))
	}
	for i, f := range c.Reconstruct.Focus {
		if f.Records < 0 || f.Anchors < 0 {
			return goerr.New("focus budget must not be negative", goerr.V("level", i))
		}
		for _, cat := range f.Categories {
			if !model.ValidCategories[cat] {
				return goerr.New("unknown category in focus table", goerr.V("level", i), goerr.V("category", string(cat)))
			}
		}
	}
	if c.Store.Shards <= 0 {
		return goerr.New("store.shards must be positive", goerr.V("shards", c.Store.Shards))
	}
	if c.Queue.Workers <= 0 {
		return goerr.New("queue.workers must be positive", goerr.V("workers", c.Queue.Workers))
	}
	if c.Queue.MaxRetries < 0 || c.Anchor.MaxRetries < 0 {
		return goerr.New("max_retries must not be negative")
	}
	if c.Embedding.Timeout <= 0 {
		return goerr.New("embedding.timeout must be positive", goerr.V("timeout", c.Embedding.Timeout))
	}
	if c.Search.DefaultK <= 0 || c.Search.CandidateLimit <= 0 {
		return goerr.New("search limits must be positive")
	}
	return nil
}

// MaxFocus returns the largest record budget in the table.
func (c *Config) MaxFocus() FocusLevel {
	return c.Reconstruct.Focus[FocusLevels-1]
}

// ResolveDataDir returns the data directory, defaulting to ~/.agent-recall.
func (c *Config) ResolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-recall")
}
