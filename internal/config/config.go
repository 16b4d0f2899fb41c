// Package config loads and validates the engine configuration from
// ~/.recall/config.json, merging file values over documented defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultMaxOutputTokens = 1024
	DefaultTemperature     = 0.7
	DefaultAgentName       = "recall"

	DefaultWindowCapacity   = 50
	DefaultCompressionRatio = 0.3
	DefaultKeyPoints        = 5

	DefaultMaxResults           = 5
	DefaultRelevanceThreshold   = 0.4
	DefaultMemoryBudgetFraction = 0.25

	DefaultEmbeddingTimeoutMs = 10000
	DefaultEmbeddingBatchSize = 16

	DefaultDecaySchedule = "0 0 4 * * *"
	DefaultDecayMinHeat  = 0.05
)

type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Provider    ProviderConfig    `json:"provider"`
	Window      WindowConfig      `json:"window"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	DBPath      string            `json:"dbPath,omitempty"`
}

type AgentConfig struct {
	Name        string  `json:"name"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type WindowConfig struct {
	Capacity         int     `json:"capacity"`
	CompressionRatio float64 `json:"compressionRatio"`
	KeyPoints        int     `json:"keyPoints"`
}

type RetrievalConfig struct {
	MaxResults           int     `json:"maxResults"`
	RelevanceThreshold   float64 `json:"relevanceThreshold"`
	MemoryBudgetFraction float64 `json:"memoryBudgetFraction"`
	SessionScoped        bool    `json:"sessionScoped"`
}

type EmbeddingConfig struct {
	Enabled   bool   `json:"enabled"`
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

type MaintenanceConfig struct {
	DecaySchedule string  `json:"decaySchedule"`
	MinHeat       float64 `json:"minHeat"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:        DefaultAgentName,
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxOutputTokens,
			Temperature: DefaultTemperature,
		},
		Provider: ProviderConfig{},
		Window: WindowConfig{
			Capacity:         DefaultWindowCapacity,
			CompressionRatio: DefaultCompressionRatio,
			KeyPoints:        DefaultKeyPoints,
		},
		Retrieval: RetrievalConfig{
			MaxResults:           DefaultMaxResults,
			RelevanceThreshold:   DefaultRelevanceThreshold,
			MemoryBudgetFraction: DefaultMemoryBudgetFraction,
			SessionScoped:        true,
		},
		Embedding: EmbeddingConfig{
			TimeoutMs: DefaultEmbeddingTimeoutMs,
			BatchSize: DefaultEmbeddingBatchSize,
		},
		Maintenance: MaintenanceConfig{
			DecaySchedule: DefaultDecaySchedule,
			MinHeat:       DefaultDecayMinHeat,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".recall")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPathOrDefault returns the configured database path, defaulting to
// ~/.recall/data/recall.db.
func (c *Config) DBPathOrDefault() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(ConfigDir(), "data", "recall.db")
}

// LoadConfig reads the config file over the defaults. A missing file is
// not an error. API keys fall back to RECALL_API_KEY then
// ANTHROPIC_API_KEY.
func LoadConfig() (*Config, error) {
	return loadConfigFrom(ConfigPath())
}

func loadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Provider.APIKey == "" {
		if key := os.Getenv("RECALL_API_KEY"); key != "" {
			cfg.Provider.APIKey = key
		} else if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.Provider.APIKey = key
		}
	}

	cfg.normalize()
	return cfg, nil
}

// normalize clamps out-of-range values back to their defaults so every
// consumer can rely on sane fields.
func (c *Config) normalize() {
	if c.Agent.Model == "" {
		c.Agent.Model = DefaultModel
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = DefaultMaxOutputTokens
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 1 {
		c.Agent.Temperature = DefaultTemperature
	}
	if c.Window.Capacity <= 0 {
		c.Window.Capacity = DefaultWindowCapacity
	}
	if c.Window.CompressionRatio <= 0 || c.Window.CompressionRatio >= 1 {
		c.Window.CompressionRatio = DefaultCompressionRatio
	}
	if c.Window.KeyPoints <= 0 {
		c.Window.KeyPoints = DefaultKeyPoints
	}
	if c.Retrieval.MaxResults <= 0 {
		c.Retrieval.MaxResults = DefaultMaxResults
	}
	if c.Retrieval.RelevanceThreshold < 0 || c.Retrieval.RelevanceThreshold > 1 {
		c.Retrieval.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if c.Retrieval.MemoryBudgetFraction <= 0 || c.Retrieval.MemoryBudgetFraction >= 1 {
		c.Retrieval.MemoryBudgetFraction = DefaultMemoryBudgetFraction
	}
	if c.Embedding.TimeoutMs <= 0 {
		c.Embedding.TimeoutMs = DefaultEmbeddingTimeoutMs
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = DefaultEmbeddingBatchSize
	}
	if c.Maintenance.DecaySchedule == "" {
		c.Maintenance.DecaySchedule = DefaultDecaySchedule
	}
	if c.Maintenance.MinHeat <= 0 || c.Maintenance.MinHeat >= 1 {
		c.Maintenance.MinHeat = DefaultDecayMinHeat
	}
}

// Save writes the config back to its canonical path, creating the
// directory when needed.
func (c *Config) Save() error {
	if err := os.MkdirAll(ConfigDir(), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
