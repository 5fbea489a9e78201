// Package config provides configuration loading for the agora binaries.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/riskgate"
)

// Config holds configuration shared by the commons service and the agent
// runner. Each binary reads the sections it needs.
type Config struct {
	// Listen address for the commons service (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/agora")
	DataDir string `json:"data_dir"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// OTLP gRPC endpoint for traces; empty disables tracing export
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	Commons CommonsConfig `json:"commons,omitempty"`
	Agent   AgentConfig   `json:"agent,omitempty"`
	LLM     LLMConfig     `json:"llm,omitempty"`
	Risk    RiskConfig    `json:"risk,omitempty"`
}

// CommonsConfig tunes the shared commons service.
type CommonsConfig struct {
	// RegisterLimitPerDay caps registrations per hashed client address.
	RegisterLimitPerDay int `json:"register_limit_per_day"`
	// StaleAfterMinutes without a heartbeat marks an instance offline.
	StaleAfterMinutes int `json:"stale_after_minutes"`
	// Per-IP soft throttle; zero disables the middleware.
	PerIPRequestsPerSecond float64 `json:"per_ip_requests_per_second"`
	PerIPBurst             int     `json:"per_ip_burst"`
	// PostgresURL switches the rate limiter to a shared Postgres backend
	// for multi-replica deployments. Empty uses SQLite in DataDir.
	PostgresURL string `json:"postgres_url,omitempty"`
	// ApprovalTTLHours before pending approvals expire.
	ApprovalTTLHours int `json:"approval_ttl_hours"`
}

// AgentConfig tunes the agent-side runner.
type AgentConfig struct {
	// CommonsURL is the base URL of the commons service.
	CommonsURL string `json:"commons_url,omitempty"`
	// SkillsDir holds YAML skill definitions.
	SkillsDir string `json:"skills_dir"`
	// KeystorePath is the sealed private key file.
	KeystorePath string `json:"keystore_path"`
	// GatewayURL is the trusted handler-execution gateway; empty disables
	// gateway-delegated skills.
	GatewayURL string `json:"gateway_url,omitempty"`

	// Public profile registered with the commons.
	Nickname    string `json:"nickname,omitempty"`
	Description string `json:"description,omitempty"`
	RepoURL     string `json:"repo_url,omitempty"`

	// HeartbeatMinutes between liveness pings (default 5).
	HeartbeatMinutes int `json:"heartbeat_minutes"`
}

// LLMConfig configures the LLM provider.
type LLMConfig struct {
	Provider string `json:"provider,omitempty"` // "openai", "anthropic"
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
	// ClassifierModel is the cheap model used by the risk gate; defaults
	// to Model.
	ClassifierModel string `json:"classifier_model,omitempty"`
}

// RiskConfig sets content-gate policies per publication surface.
type RiskConfig struct {
	// DefaultPolicy applies to surfaces not listed (default "safe").
	DefaultPolicy string `json:"default_policy"`
	// Surfaces maps surface name to policy (off, safe, normal, all).
	Surfaces map[string]string `json:"surfaces,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/agora",
		LogLevel:   "info",
		Commons: CommonsConfig{
			RegisterLimitPerDay:    20,
			StaleAfterMinutes:      30,
			PerIPRequestsPerSecond: 10,
			PerIPBurst:             30,
			ApprovalTTLHours:       72,
		},
		Agent: AgentConfig{
			SkillsDir:        "skills",
			KeystorePath:     "agora.key",
			HeartbeatMinutes: 5,
		},
		Risk: RiskConfig{
			DefaultPolicy: string(riskgate.PolicySafe),
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGORA_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AGORA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGORA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGORA_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("AGORA_REGISTER_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Commons.RegisterLimitPerDay = n
		}
	}
	if v := os.Getenv("AGORA_POSTGRES_URL"); v != "" {
		cfg.Commons.PostgresURL = v
	}
	if v := os.Getenv("AGORA_COMMONS_URL"); v != "" {
		cfg.Agent.CommonsURL = v
	}
	if v := os.Getenv("AGORA_SKILLS_DIR"); v != "" {
		cfg.Agent.SkillsDir = v
	}
	if v := os.Getenv("AGORA_KEYSTORE"); v != "" {
		cfg.Agent.KeystorePath = v
	}
	if v := os.Getenv("AGORA_GATEWAY_URL"); v != "" {
		cfg.Agent.GatewayURL = v
	}
	if v := os.Getenv("AGORA_NICKNAME"); v != "" {
		cfg.Agent.Nickname = v
	}
	if v := os.Getenv("AGORA_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("AGORA_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("AGORA_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AGORA_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AGORA_RISK_DEFAULT_POLICY"); v != "" {
		cfg.Risk.DefaultPolicy = v
	}
}

func (c Config) validate() error {
	if !riskgate.ValidPolicy(riskgate.Policy(c.Risk.DefaultPolicy)) {
		return fmt.Errorf("invalid risk policy %q", c.Risk.DefaultPolicy)
	}
	for surface, p := range c.Risk.Surfaces {
		if !riskgate.ValidPolicy(riskgate.Policy(p)) {
			return fmt.Errorf("invalid risk policy %q for surface %q", p, surface)
		}
	}
	return nil
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// NewLogger builds the process logger for the configured level. "debug"
// selects the human-readable development config; everything else gets
// production JSON output.
func NewLogger(level string) *zap.Logger {
	if level == "debug" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

// HasLLM reports whether an LLM provider is configured.
func (c Config) HasLLM() bool {
	return c.LLM.Provider != ""
}

// PolicyFor resolves the risk policy for a publication surface.
func (c Config) PolicyFor(surface string) riskgate.Policy {
	if p, ok := c.Risk.Surfaces[surface]; ok {
		return riskgate.Policy(p)
	}
	return riskgate.Policy(c.Risk.DefaultPolicy)
}

// ClassifierModelOrDefault returns the risk classifier model, falling
// back to the main model.
func (c LLMConfig) ClassifierModelOrDefault() string {
	if c.ClassifierModel != "" {
		return c.ClassifierModel
	}
	return c.Model
}
