// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lattice-dev/lattice/internal/safety"
)

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8080"; PORT env sets ":<port>")
	ListenAddr string `json:"listen_addr"`

	// Instance name, used in logs and the fleet summary.
	InstanceName string `json:"instance_name"`

	// Postgres DSN. Empty selects the in-memory KV store.
	DatabaseURL string `json:"database_url,omitempty"`

	// Secret key base for session signing.
	SecretKeyBase string `json:"secret_key_base,omitempty"`

	// Bcrypt hash of the operator API token. Empty disables API auth.
	OperatorTokenHash string `json:"operator_token_hash,omitempty"`

	// Repo the control plane works against ("owner/name").
	GitHubRepo string `json:"github_repo,omitempty"`

	// Fly app hosting the fleet.
	FlyApp      string `json:"fly_app,omitempty"`
	FlyOrg      string `json:"fly_org,omitempty"`
	FlyAPIToken string `json:"fly_api_token,omitempty"`

	Sprites SpritesConfig `json:"sprites,omitempty"`
	GitHub  GitHubConfig  `json:"github,omitempty"`
	Skills  SkillsConfig  `json:"skills,omitempty"`

	// Sprite ids the supervisor manages at boot.
	Fleet []string `json:"fleet,omitempty"`

	// Gate defaults; the policy file overrides these when present.
	Gate safety.GateConfig `json:"gate,omitempty"`

	// Path to the YAML policy file (gate config + ordered rules).
	PolicyFile string `json:"policy_file,omitempty"`

	Schedules SchedulesConfig `json:"schedules,omitempty"`

	// OTLP gRPC endpoint. Empty disables tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// SpritesConfig configures the sprite API capability.
type SpritesConfig struct {
	APIBase  string `json:"api_base,omitempty"`
	APIToken string `json:"api_token,omitempty"`
}

// GitHubConfig configures the GitHub capability and webhook.
type GitHubConfig struct {
	WebhookSecret  string `json:"webhook_secret,omitempty"`
	AppID          string `json:"app_id,omitempty"`
	InstallationID string `json:"installation_id,omitempty"`
	PrivateKey     string `json:"private_key,omitempty"`
	Token          string `json:"token,omitempty"`
}

// SkillsConfig configures skill bundle sync.
type SkillsConfig struct {
	Refs             []string `json:"refs,omitempty"`
	RegistryUser     string   `json:"registry_user,omitempty"`
	RegistryPassword string   `json:"registry_password,omitempty"`
	PlainHTTP        bool     `json:"plain_http,omitempty"`
}

// SchedulesConfig holds the cron expressions for serve-mode jobs.
type SchedulesConfig struct {
	FleetAudit     string `json:"fleet_audit"`
	CredentialSync string `json:"credential_sync"`
	SkillSync      string `json:"skill_sync"`
	OutboxSweep    string `json:"outbox_sweep"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		InstanceName: "lattice",
		LogLevel:     "info",
		Schedules: SchedulesConfig{
			FleetAudit:     "*/5 * * * *",
			CredentialSync: "0 * * * *",
			SkillSync:      "30 * * * *",
			OutboxSweep:    "*/10 * * * *",
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

	if v := os.Getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := os.Getenv("LATTICE_INSTANCE_NAME"); v != "" {
		cfg.InstanceName = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SECRET_KEY_BASE"); v != "" {
		cfg.SecretKeyBase = v
	}
	if v := os.Getenv("LATTICE_OPERATOR_TOKEN_HASH"); v != "" {
		cfg.OperatorTokenHash = v
	}
	if v := os.Getenv("GITHUB_REPO"); v != "" {
		cfg.GitHubRepo = v
	}
	if v := os.Getenv("FLY_APP"); v != "" {
		cfg.FlyApp = v
	}
	if v := os.Getenv("FLY_ORG"); v != "" {
		cfg.FlyOrg = v
	}
	if v := os.Getenv("FLY_API_TOKEN"); v != "" {
		cfg.FlyAPIToken = v
	}
	if v := os.Getenv("SPRITES_API_BASE"); v != "" {
		cfg.Sprites.APIBase = v
	}
	if v := os.Getenv("SPRITES_API_TOKEN"); v != "" {
		cfg.Sprites.APIToken = v
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("GITHUB_APP_ID"); v != "" {
		cfg.GitHub.AppID = v
	}
	if v := os.Getenv("GITHUB_APP_INSTALLATION_ID"); v != "" {
		cfg.GitHub.InstallationID = v
	}
	if v := os.Getenv("GITHUB_APP_PRIVATE_KEY"); v != "" {
		cfg.GitHub.PrivateKey = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("LATTICE_FLEET"); v != "" {
		cfg.Fleet = splitList(v)
	}
	if v := os.Getenv("LATTICE_SKILL_REFS"); v != "" {
		cfg.Skills.Refs = splitList(v)
	}
	if v := os.Getenv("LATTICE_POLICY_FILE"); v != "" {
		cfg.PolicyFile = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("LATTICE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasDatabase reports whether the postgres KV backend is configured.
func (c Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// SpritesLive reports whether real sprite API credentials are present.
// Without them the stub implementation is used.
func (c Config) SpritesLive() bool {
	return c.Sprites.APIBase != "" && c.Sprites.APIToken != ""
}

// GitHubLive reports whether GitHub credentials are present, either an
// installation-scoped app or a plain token.
func (c Config) GitHubLive() bool {
	if c.GitHub.Token != "" {
		return true
	}
	return c.GitHub.AppID != "" && c.GitHub.InstallationID != "" && c.GitHub.PrivateKey != ""
}

// FlyLive reports whether Fly Machines API credentials are present.
func (c Config) FlyLive() bool {
	return c.FlyApp != "" && c.FlyAPIToken != ""
}

// AuthEnabled reports whether operator API auth is configured.
func (c Config) AuthEnabled() bool {
	return c.OperatorTokenHash != ""
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Policy is the YAML policy file: gate config plus ordered rules.
type Policy struct {
	Gate  safety.GateConfig `yaml:"gate"`
	Rules []safety.Rule     `yaml:"rules"`
}

// LoadPolicy reads and validates the policy file. A missing path returns
// the config's gate defaults and no rules.
func (c Config) LoadPolicy() (*Policy, error) {
	if c.PolicyFile == "" {
		return &Policy{Gate: c.Gate}, nil
	}
	data, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	for i, rule := range p.Rules {
		switch rule.Kind {
		case safety.RulePathAutoApprove, safety.RuleTimeGate, safety.RuleRepoOverride:
		default:
			return nil, fmt.Errorf("policy rule %d: unknown kind %q", i, rule.Kind)
		}
	}
	return &p, nil
}
