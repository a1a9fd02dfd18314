// Package config loads the campaign configuration.
//
// Priority is env > file > defaults. The file may be YAML or JSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/haricheung/model-search/internal/champion"
	"github.com/haricheung/model-search/internal/pairing"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Strategy kinds.
const (
	KindFixed  = "fixed"
	KindGreedy = "greedy"
)

// Config is the top-level configuration of a search campaign.
type Config struct {
	Campaign   CampaignConfig   `json:"campaign" yaml:"campaign"`
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Strategies []StrategyConfig `json:"strategies" yaml:"strategies"`
	Archive    ArchiveConfig    `json:"archive" yaml:"archive"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

// CampaignConfig controls the orchestrator.
type CampaignConfig struct {
	// Workers bounds concurrent learning and comparison jobs per tree.
	Workers int `json:"workers" yaml:"workers"`
	// BayesFactorThreshold: a factor above it (or below its inverse) scores a win.
	BayesFactorThreshold float64 `json:"bayes_factor_threshold" yaml:"bayes_factor_threshold"`
	Seed                 uint64  `json:"seed" yaml:"seed"`
}

// EngineConfig configures the synthetic comparison engine.
type EngineConfig struct {
	TrueModel       string  `json:"true_model" yaml:"true_model"`
	MissPenalty     float64 `json:"miss_penalty" yaml:"miss_penalty"`
	SpuriousPenalty float64 `json:"spurious_penalty" yaml:"spurious_penalty"`
	Noise           float64 `json:"noise" yaml:"noise"`
	MaxLogBayes     float64 `json:"max_log_bayes_factor" yaml:"max_log_bayes_factor"`
}

// StrategyConfig describes one exploration strategy; each becomes one tree.
type StrategyConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Kind    string   `json:"kind" yaml:"kind"`
	Models  []string `json:"models,omitempty" yaml:"models,omitempty"`
	Terms   []string `json:"terms,omitempty" yaml:"terms,omitempty"`
	Pairing string   `json:"pairing" yaml:"pairing"`
	Policy  string   `json:"champion_policy" yaml:"champion_policy"`

	MaxSpawnDepth   int     `json:"max_spawn_depth" yaml:"max_spawn_depth"`
	MaxQubits       int     `json:"max_num_qubits" yaml:"max_num_qubits"`
	FitnessExponent float64 `json:"fitness_win_ratio_exponent" yaml:"fitness_win_ratio_exponent"`

	RatingsInitial float64 `json:"ratings_initial" yaml:"ratings_initial"`
	RatingsK       float64 `json:"ratings_k" yaml:"ratings_k"`
}

// ArchiveConfig locates the LevelDB archive. Empty Path disables it.
type ArchiveConfig struct {
	Path string `json:"path" yaml:"path"`
}

// LoggingConfig controls slog and the JSONL logs.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	// Dir receives searchlog and audit JSONL files. Empty disables both.
	Dir string `json:"dir" yaml:"dir"`
}

// MetricsConfig exposes Prometheus metrics. Empty Addr disables the endpoint.
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Default returns a configuration that runs one greedy search over a small
// two-qubit term set.
func Default() Config {
	return Config{
		Campaign: CampaignConfig{
			Workers:              4,
			BayesFactorThreshold: 1,
			Seed:                 1,
		},
		Engine: EngineConfig{
			TrueModel:       "pauliSet_1J2_zJz_d2+pauliSet_1_x_d2",
			MissPenalty:     20,
			SpuriousPenalty: 2,
			Noise:           0.5,
			MaxLogBayes:     50,
		},
		Strategies: []StrategyConfig{
			{
				Name:    "greedy",
				Kind:    KindGreedy,
				Terms:   []string{"pauliSet_1_x_d2", "pauliSet_1_y_d2", "pauliSet_1_z_d2", "pauliSet_1J2_zJz_d2", "pauliSet_1J2_xJx_d2"},
				Pairing: string(pairing.All),
				Policy:  string(champion.WinCount),

				MaxSpawnDepth:   8,
				FitnessExponent: 1,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (optional) over the defaults, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MSEARCH_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Campaign.Workers = i
		}
	}
	if v := os.Getenv("MSEARCH_SEED"); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Campaign.Seed = u
		}
	}
	if v := os.Getenv("MSEARCH_BF_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Campaign.BayesFactorThreshold = f
		}
	}
	if v := os.Getenv("MSEARCH_TRUE_MODEL"); v != "" {
		cfg.Engine.TrueModel = v
	}
	if v := os.Getenv("MSEARCH_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("MSEARCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MSEARCH_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("MSEARCH_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Campaign.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1", ErrInvalid)
	}
	if c.Campaign.BayesFactorThreshold < 1 {
		return fmt.Errorf("%w: bayes_factor_threshold must be >= 1", ErrInvalid)
	}
	if c.Engine.TrueModel == "" {
		return fmt.Errorf("%w: engine.true_model is required", ErrInvalid)
	}
	if c.Engine.MaxLogBayes <= 0 {
		return fmt.Errorf("%w: engine.max_log_bayes_factor must be > 0", ErrInvalid)
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("%w: at least one strategy is required", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("%w: strategies[%d]: name is required", ErrInvalid, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: strategies[%d]: duplicate name %q", ErrInvalid, i, s.Name)
		}
		seen[s.Name] = true
		if _, err := champion.ParseKind(s.Policy); err != nil {
			return fmt.Errorf("%w: strategy %q: %v", ErrInvalid, s.Name, err)
		}
		switch s.Kind {
		case KindFixed:
			if len(s.Models) == 0 {
				return fmt.Errorf("%w: strategy %q: fixed strategy needs models", ErrInvalid, s.Name)
			}
		case KindGreedy:
			if len(s.Terms) == 0 {
				return fmt.Errorf("%w: strategy %q: greedy strategy needs terms", ErrInvalid, s.Name)
			}
			if s.MaxSpawnDepth < 1 {
				return fmt.Errorf("%w: strategy %q: max_spawn_depth must be >= 1", ErrInvalid, s.Name)
			}
		default:
			return fmt.Errorf("%w: strategy %q: unknown kind %q", ErrInvalid, s.Name, s.Kind)
		}
		if s.FitnessExponent < 0 {
			return fmt.Errorf("%w: strategy %q: fitness_win_ratio_exponent must be >= 0", ErrInvalid, s.Name)
		}
	}
	return nil
}
