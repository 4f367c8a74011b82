// Package config loads clipforge configuration.
//
// Layers, lowest to highest precedence:
//
//	defaults -> config file (clipforge.yaml) -> environment (CLIPFORGE_*) -> runtime overrides
//
// A .env file in the working directory is loaded into the process
// environment first (LoadDotEnv); variables already set are never replaced.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
	Store     StoreConfig     `mapstructure:"store"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Events    EventsConfig    `mapstructure:"events"`

	// AdminToken enables the credit grant endpoint. Empty disables it.
	AdminToken string `mapstructure:"admin_token"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Profile is STRUCTURED (JSON) or CONSOLE.
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

// StoreConfig selects the database. URL wins over Path.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type WorkerConfig struct {
	RetryCeiling   int           `mapstructure:"retry_ceiling"`
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
	SweepEvery     int           `mapstructure:"sweep_every"`
	MaxTicks       int           `mapstructure:"max_ticks"`
	TickBudget     time.Duration `mapstructure:"tick_budget"`
	TickRate       float64       `mapstructure:"tick_rate"`
	// Interval is how often `serve` starts a trigger run. Zero disables the
	// in-process trigger; an external scheduler then calls /v1/worker/tick.
	Interval time.Duration `mapstructure:"interval"`
	// Lanes are job type glob patterns this process claims ("image*").
	Lanes []string `mapstructure:"lanes"`
}

type PricingConfig struct {
	UpsellMultiplier  float64 `mapstructure:"upsell_multiplier"`
	TrustClientCharge bool    `mapstructure:"trust_client_charge"`
}

type ProvidersConfig struct {
	// Driver is "simulated" or "http".
	Driver             string        `mapstructure:"driver"`
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	ResearchEnabled    bool          `mapstructure:"research_enabled"`
	RenderPollInterval time.Duration `mapstructure:"render_poll_interval"`
	RenderMaxWait      time.Duration `mapstructure:"render_max_wait"`
	RenderDelayAfter   time.Duration `mapstructure:"render_delay_after"`
	// SimulatedRenderPolls is how many polls a simulated render stays in
	// progress.
	SimulatedRenderPolls int `mapstructure:"simulated_render_polls"`
}

type ArtifactsConfig struct {
	// Driver is "file", "s3" or "memory".
	Driver  string   `mapstructure:"driver"`
	Dir     string   `mapstructure:"dir"`
	BaseURL string   `mapstructure:"base_url"`
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
}

type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Worker.RetryCeiling < 1 {
		problems = append(problems, "worker.retry_ceiling must be >= 1")
	}
	if c.Worker.StuckThreshold <= 0 {
		problems = append(problems, "worker.stuck_threshold must be positive")
	}
	if c.Pricing.UpsellMultiplier <= 0 {
		problems = append(problems, "pricing.upsell_multiplier must be positive")
	}
	switch c.Providers.Driver {
	case "simulated":
	case "http":
		if strings.TrimSpace(c.Providers.BaseURL) == "" {
			problems = append(problems, "providers.base_url is required for the http driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("providers.driver %q must be simulated or http", c.Providers.Driver))
	}
	switch c.Artifacts.Driver {
	case "memory":
	case "file":
		if strings.TrimSpace(c.Artifacts.Dir) == "" {
			problems = append(problems, "artifacts.dir is required for the file driver")
		}
	case "s3":
		if strings.TrimSpace(c.Artifacts.S3.Bucket) == "" {
			problems = append(problems, "artifacts.s3.bucket is required for the s3 driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("artifacts.driver %q must be file, s3 or memory", c.Artifacts.Driver))
	}
	if strings.TrimSpace(c.Store.Path) == "" && strings.TrimSpace(c.Store.URL) == "" {
		problems = append(problems, "store.path or store.url is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
