package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawremote/internal/otel"
)

// AgentConfig describes how the coding agent is launched per project.
type AgentConfig struct {
	// Command is the agent executable, resolved through PATH.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// SessionFlag precedes the agent session id on a project's first
	// launch, ResumeFlag on later ones.
	SessionFlag string `yaml:"session_flag"`
	ResumeFlag  string `yaml:"resume_flag"`
	// ProjectsRoot anchors relative project paths.
	ProjectsRoot           string            `yaml:"projects_root"`
	GitCommand             string            `yaml:"git_command"`
	ShutdownTimeoutSeconds int               `yaml:"shutdown_timeout_seconds"`
	Env                    map[string]string `yaml:"env"`
}

// SessionConfig tunes the per-project session core.
type SessionConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	HeartbeatGraceSeconds    int `yaml:"heartbeat_grace_seconds"`
	HandshakeTimeoutSeconds  int `yaml:"handshake_timeout_seconds"`
	ChallengeTTLSeconds      int `yaml:"challenge_ttl_seconds"`
	TokenTTLSeconds          int `yaml:"token_ttl_seconds"`
	WriteTimeoutSeconds      int `yaml:"write_timeout_seconds"`

	// PermissionTimeoutSeconds applies to requests that carry no timeout.
	PermissionTimeoutSeconds int `yaml:"permission_timeout_seconds"`

	// Replay retention; a client further behind than either bound resyncs.
	ReplayMaxEnvelopes  int `yaml:"replay_max_envelopes"`
	ReplayMaxAgeSeconds int `yaml:"replay_max_age_seconds"`

	// MaxProtocolViolations closes a connection after this many consecutive
	// out-of-order or malformed envelopes.
	MaxProtocolViolations int `yaml:"max_protocol_violations"`
}

func (s SessionConfig) HeartbeatInterval() time.Duration { return seconds(s.HeartbeatIntervalSeconds) }
func (s SessionConfig) HeartbeatGrace() time.Duration    { return seconds(s.HeartbeatGraceSeconds) }
func (s SessionConfig) HandshakeTimeout() time.Duration  { return seconds(s.HandshakeTimeoutSeconds) }
func (s SessionConfig) ChallengeTTL() time.Duration      { return seconds(s.ChallengeTTLSeconds) }
func (s SessionConfig) TokenTTL() time.Duration          { return seconds(s.TokenTTLSeconds) }
func (s SessionConfig) WriteTimeout() time.Duration      { return seconds(s.WriteTimeoutSeconds) }
func (s SessionConfig) PermissionTimeout() time.Duration { return seconds(s.PermissionTimeoutSeconds) }
func (s SessionConfig) ReplayMaxAge() time.Duration      { return seconds(s.ReplayMaxAgeSeconds) }

func (a AgentConfig) ShutdownTimeout() time.Duration { return seconds(a.ShutdownTimeoutSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// APIKeyEntry is an operator credential for the REST API.
type APIKeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// RateLimitConfig bounds requests per client address or API key.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// GatewayConfig configures the HTTP surface in front of the session core.
type GatewayConfig struct {
	APIKeys   []APIKeyEntry   `yaml:"api_keys"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	// MaxFrameBytes caps one inbound websocket frame.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Native mobile clients send no Origin and are unaffected.
	AllowOrigins []string `yaml:"allow_origins"`

	AuthorizedKeysFile string `yaml:"authorized_keys_file"`
	DBPath             string `yaml:"db_path"`

	// RetentionSchedule is a 5-field cron expression for replay pruning and
	// snapshot purging.
	RetentionSchedule     string `yaml:"retention_schedule"`
	RetentionSnapshotDays int    `yaml:"retention_snapshot_days"`
	RetentionAuditDays    int    `yaml:"retention_audit_days"`

	Agent   AgentConfig   `yaml:"agent"`
	Session SessionConfig `yaml:"session"`
	Gateway GatewayConfig `yaml:"gateway"`
	OTel    otel.Config   `yaml:"otel"`
}

// Fingerprint returns a stable hash of the settings that require a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|agent=%s %v|keys=%s|db=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.Agent.Command, c.Agent.Args, c.AuthorizedKeysFile, c.DBPath, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:18790",
		LogLevel:              "info",
		RetentionSchedule:     "*/10 * * * *",
		RetentionSnapshotDays: 30,
		RetentionAuditDays:    90,
		Agent: AgentConfig{
			Command:                "claude",
			Args:                   []string{"--print", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose"},
			SessionFlag:            "--session-id",
			ResumeFlag:             "--resume",
			GitCommand:             "git",
			ShutdownTimeoutSeconds: 30,
		},
		Session: SessionConfig{
			HeartbeatIntervalSeconds: 15,
			HeartbeatGraceSeconds:    45,
			HandshakeTimeoutSeconds:  10,
			ChallengeTTLSeconds:      30,
			TokenTTLSeconds:          int((15 * time.Minute).Seconds()),
			WriteTimeoutSeconds:      10,
			PermissionTimeoutSeconds: 60,
			ReplayMaxEnvelopes:       1000,
			ReplayMaxAgeSeconds:      int((24 * time.Hour).Seconds()),
			MaxProtocolViolations:    5,
		},
		Gateway: GatewayConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 30,
				BurstSize:         10,
			},
			MaxFrameBytes: 1 << 20,
		},
	}
}

// HomeDir is $CLAWREMOTE_HOME, or ~/.clawremote.
func HomeDir() string {
	if override := os.Getenv("CLAWREMOTE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawremote")
}

// ConfigPath returns the config.yaml path under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults. A missing file is
// not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawremote home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.AuthorizedKeysFile == "" {
		cfg.AuthorizedKeysFile = filepath.Join(cfg.HomeDir, "authorized_keys")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "clawremote.db")
	}
	if strings.TrimSpace(cfg.RetentionSchedule) == "" {
		cfg.RetentionSchedule = def.RetentionSchedule
	}
	if cfg.RetentionSnapshotDays < 0 {
		cfg.RetentionSnapshotDays = 0
	}
	if cfg.RetentionAuditDays < 0 {
		cfg.RetentionAuditDays = 0
	}

	if strings.TrimSpace(cfg.Agent.Command) == "" {
		cfg.Agent.Command = def.Agent.Command
	}
	if cfg.Agent.GitCommand == "" {
		cfg.Agent.GitCommand = def.Agent.GitCommand
	}
	if cfg.Agent.ShutdownTimeoutSeconds <= 0 {
		cfg.Agent.ShutdownTimeoutSeconds = def.Agent.ShutdownTimeoutSeconds
	}

	if cfg.Gateway.MaxFrameBytes <= 0 {
		cfg.Gateway.MaxFrameBytes = def.Gateway.MaxFrameBytes
	}
	positive(&cfg.Gateway.RateLimit.RequestsPerMinute, def.Gateway.RateLimit.RequestsPerMinute)
	positive(&cfg.Gateway.RateLimit.BurstSize, def.Gateway.RateLimit.BurstSize)

	s, d := &cfg.Session, def.Session
	positive(&s.HeartbeatIntervalSeconds, d.HeartbeatIntervalSeconds)
	positive(&s.HeartbeatGraceSeconds, d.HeartbeatGraceSeconds)
	positive(&s.HandshakeTimeoutSeconds, d.HandshakeTimeoutSeconds)
	positive(&s.ChallengeTTLSeconds, d.ChallengeTTLSeconds)
	positive(&s.TokenTTLSeconds, d.TokenTTLSeconds)
	positive(&s.WriteTimeoutSeconds, d.WriteTimeoutSeconds)
	positive(&s.PermissionTimeoutSeconds, d.PermissionTimeoutSeconds)
	positive(&s.MaxProtocolViolations, d.MaxProtocolViolations)
	// Replay bounds may be disabled with 0, but not made negative.
	if s.ReplayMaxEnvelopes < 0 {
		s.ReplayMaxEnvelopes = d.ReplayMaxEnvelopes
	}
	if s.ReplayMaxAgeSeconds < 0 {
		s.ReplayMaxAgeSeconds = d.ReplayMaxAgeSeconds
	}
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func validate(cfg Config) error {
	if cfg.Session.HeartbeatGraceSeconds < cfg.Session.HeartbeatIntervalSeconds {
		return fmt.Errorf("session.heartbeat_grace_seconds (%d) must be at least heartbeat_interval_seconds (%d)",
			cfg.Session.HeartbeatGraceSeconds, cfg.Session.HeartbeatIntervalSeconds)
	}
	if cfg.Session.ReplayMaxEnvelopes == 0 && cfg.Session.ReplayMaxAgeSeconds == 0 {
		return fmt.Errorf("session: at least one of replay_max_envelopes and replay_max_age_seconds must be set")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWREMOTE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWREMOTE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWREMOTE_AUTHORIZED_KEYS"); raw != "" {
		cfg.AuthorizedKeysFile = raw
	}
	if raw := os.Getenv("CLAWREMOTE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLAWREMOTE_AGENT_COMMAND"); raw != "" {
		cfg.Agent.Command = raw
	}
	if raw := os.Getenv("CLAWREMOTE_PROJECTS_ROOT"); raw != "" {
		cfg.Agent.ProjectsRoot = raw
	}
	envInt("CLAWREMOTE_PERMISSION_TIMEOUT_SECONDS", &cfg.Session.PermissionTimeoutSeconds)
	envInt("CLAWREMOTE_HEARTBEAT_INTERVAL_SECONDS", &cfg.Session.HeartbeatIntervalSeconds)
	envInt("CLAWREMOTE_HEARTBEAT_GRACE_SECONDS", &cfg.Session.HeartbeatGraceSeconds)
	envInt("CLAWREMOTE_REPLAY_MAX_ENVELOPES", &cfg.Session.ReplayMaxEnvelopes)
	envInt("CLAWREMOTE_REPLAY_MAX_AGE_SECONDS", &cfg.Session.ReplayMaxAgeSeconds)
	if raw := os.Getenv("CLAWREMOTE_API_KEY"); raw != "" {
		cfg.Gateway.APIKeys = append(cfg.Gateway.APIKeys, APIKeyEntry{Name: "env", Key: raw})
	}
	if raw := os.Getenv("CLAWREMOTE_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}
