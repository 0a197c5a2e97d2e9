package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"brandscope/internal/engine"
)

type ServerConfig struct {
	ListenAddr string              `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig      `json:"database" yaml:"database"`
	Auth       AuthConfig          `json:"auth" yaml:"auth"`
	Security   SecurityConfig      `json:"security" yaml:"security"`
	Engines    []engine.Descriptor `json:"engines" yaml:"engines"`
	Budget     BudgetConfig        `json:"budget" yaml:"budget"`
	Detection  DetectionConfig     `json:"detection" yaml:"detection"`
	Council    CouncilConfig       `json:"council" yaml:"council"`
	Observer   ObservabilityConfig `json:"observability" yaml:"observability"`
	Limits     PublicLimitConfig   `json:"limits" yaml:"limits"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

type BudgetConfig struct {
	SessionLimitUSD   float64 `json:"session_limit_usd" yaml:"session_limit_usd"`
	DefaultRunCapUSD  float64 `json:"default_run_cap_usd" yaml:"default_run_cap_usd"`
	DefaultTimeoutSec int     `json:"default_timeout_sec" yaml:"default_timeout_sec"`
	MaxParallelRuns   int     `json:"max_parallel_runs" yaml:"max_parallel_runs"`
	CellConcurrency   int     `json:"cell_concurrency" yaml:"cell_concurrency"`
	MaxCallAttempts   int     `json:"max_call_attempts" yaml:"max_call_attempts"`
}

type DetectionConfig struct {
	ContextWindow int      `json:"context_window" yaml:"context_window"`
	AnswerTextCap int      `json:"answer_text_cap" yaml:"answer_text_cap"`
	PositiveWords []string `json:"positive_words" yaml:"positive_words"`
	NegativeWords []string `json:"negative_words" yaml:"negative_words"`
}

type CouncilConfig struct {
	Rubric    []string `json:"rubric" yaml:"rubric"`
	MaxTokens int      `json:"max_tokens" yaml:"max_tokens"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type PublicLimitConfig struct {
	QuickRunRPM int `json:"quick_run_rpm" yaml:"quick_run_rpm"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "brandscope_session",
		},
		Budget: BudgetConfig{
			SessionLimitUSD:   25,
			DefaultRunCapUSD:  2,
			DefaultTimeoutSec: 300,
			MaxParallelRuns:   2,
			CellConcurrency:   0,
			MaxCallAttempts:   3,
		},
		Observer: ObservabilityConfig{
			ServiceName: "brandscope-api",
			SampleRatio: 1,
		},
		Limits: PublicLimitConfig{
			QuickRunRPM: 6,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	if err := normalizeConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) error {
	if cfg == nil {
		return nil
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "brandscope_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if cfg.Budget.SessionLimitUSD <= 0 {
		cfg.Budget.SessionLimitUSD = 25
	}
	if cfg.Budget.DefaultRunCapUSD <= 0 {
		cfg.Budget.DefaultRunCapUSD = 2
	}
	if cfg.Budget.DefaultTimeoutSec <= 0 {
		cfg.Budget.DefaultTimeoutSec = 300
	}
	if cfg.Budget.MaxParallelRuns <= 0 {
		cfg.Budget.MaxParallelRuns = 2
	}
	if cfg.Budget.MaxCallAttempts <= 0 {
		cfg.Budget.MaxCallAttempts = 3
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "brandscope-api"
	}
	if cfg.Limits.QuickRunRPM <= 0 {
		cfg.Limits.QuickRunRPM = 6
	}
	for i := range cfg.Engines {
		desc := &cfg.Engines[i]
		if strings.TrimSpace(desc.ID) == "" {
			return fmt.Errorf("engine %d: id is required", i)
		}
		kind, err := engine.ParseKind(string(desc.Kind))
		if err != nil {
			return fmt.Errorf("engine %q: %w", desc.ID, err)
		}
		desc.Kind = kind
		if strings.TrimSpace(desc.Name) == "" {
			desc.Name = desc.ID
		}
	}
	return nil
}
