package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/sitesync/internal/invite"
	"github.com/hyperengineering/sitesync/internal/types"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Remote RemoteConfig `yaml:"remote"`
	Sync   SyncConfig   `yaml:"sync"`
	Local  LocalConfig  `yaml:"local"`
	Server ServerConfig `yaml:"server"`
	Backup BackupConfig `yaml:"backup"`
	Log    LogConfig    `yaml:"log"`
}

// RemoteConfig locates the shared snapshot document.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	Repo    string   `yaml:"repo"`
	Path    string   `yaml:"path"`
	Branch  string   `yaml:"branch"`
	Token   string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`

	// TokenFile holds the token when SITESYNC_TOKEN is unset. The run
	// daemon watches it and switches to a rewritten token without a restart.
	TokenFile string `yaml:"token_file"`
}

// Enabled reports whether a remote is configured. Without one the client
// runs local only.
func (r RemoteConfig) Enabled() bool {
	return r.Repo != ""
}

// SyncConfig contains scheduler timing.
type SyncConfig struct {
	Debounce     Duration `yaml:"debounce"`
	PollInterval Duration `yaml:"poll_interval"`
	FlushTimeout Duration `yaml:"flush_timeout"`
}

// LocalConfig contains client-side persistence and identity settings.
type LocalConfig struct {
	DBPath   string         `yaml:"db_path"`
	Username string         `yaml:"username"`
	Role     types.UserRole `yaml:"role"`
}

// ServerConfig contains settings for the self-hosted contents server.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	DBPath          string   `yaml:"db_path"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
}

// BackupConfig contains S3-compatible backup storage settings.
// An empty Bucket disables uploads.
type BackupConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	Prefix    string   `yaml:"prefix"`
	Interval  Duration `yaml:"interval"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings. When File is set, logs are written
// there with size-based rotation instead of stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SITESYNC_CONFIG_PATH", "config/sitesync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Tests and the --config flag use it.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Remote: RemoteConfig{
			BaseURL: "https://api.github.com",
			Path:    "data/site.json",
			Timeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			Debounce:     Duration(2 * time.Second),
			PollInterval: Duration(20 * time.Second),
			FlushTimeout: Duration(5 * time.Second),
		},
		Local: LocalConfig{
			DBPath:   "data/sitesync.db",
			Username: "Администратор",
			Role:     types.RoleAdmin,
		},
		Server: ServerConfig{
			Port:            8080,
			DBPath:          "data/contents.db",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Backup: BackupConfig{
			Prefix:    "backups",
			Interval:  Duration(1 * time.Hour),
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values. An invite code is applied
// first so that explicit variables still win over it.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SITESYNC_INVITE"); v != "" {
		if err := cfg.ApplyInvite(v); err != nil {
			return fmt.Errorf("SITESYNC_INVITE: %w", err)
		}
	}

	// Remote
	if v := os.Getenv("SITESYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("SITESYNC_REPO"); v != "" {
		cfg.Remote.Repo = v
	}
	if v := os.Getenv("SITESYNC_PATH"); v != "" {
		cfg.Remote.Path = v
	}
	if v := os.Getenv("SITESYNC_BRANCH"); v != "" {
		cfg.Remote.Branch = v
	}
	if v := os.Getenv("SITESYNC_TOKEN"); v != "" {
		cfg.Remote.Token = v
	}
	if v := os.Getenv("SITESYNC_TOKEN_FILE"); v != "" {
		cfg.Remote.TokenFile = v
	}
	setDuration("SITESYNC_REMOTE_TIMEOUT", &cfg.Remote.Timeout)

	// Sync
	setDuration("SITESYNC_DEBOUNCE", &cfg.Sync.Debounce)
	setDuration("SITESYNC_POLL_INTERVAL", &cfg.Sync.PollInterval)
	setDuration("SITESYNC_FLUSH_TIMEOUT", &cfg.Sync.FlushTimeout)

	// Local
	if v := os.Getenv("SITESYNC_DB_PATH"); v != "" {
		cfg.Local.DBPath = v
	}
	if v := os.Getenv("SITESYNC_USER"); v != "" {
		cfg.Local.Username = v
	}
	if v := os.Getenv("SITESYNC_ROLE"); v != "" {
		cfg.Local.Role = types.UserRole(v)
	}

	// Server
	if v := os.Getenv("SITESYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SITESYNC_SERVER_DB_PATH"); v != "" {
		cfg.Server.DBPath = v
	}
	setDuration("SITESYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	setDuration("SITESYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	setDuration("SITESYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	if v := os.Getenv("SITESYNC_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	// Backup
	if v := os.Getenv("SITESYNC_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("SITESYNC_S3_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("SITESYNC_S3_REGION"); v != "" {
		cfg.Backup.Region = v
	}
	if v := os.Getenv("SITESYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("SITESYNC_S3_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}
	if v := os.Getenv("SITESYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Backup.UseSSL = &useSSL
	}
	if v := os.Getenv("SITESYNC_BACKUP_PREFIX"); v != "" {
		cfg.Backup.Prefix = v
	}
	setDuration("SITESYNC_BACKUP_INTERVAL", &cfg.Backup.Interval)
	setDuration("SITESYNC_S3_URL_EXPIRY", &cfg.Backup.URLExpiry)

	// Log
	if v := os.Getenv("SITESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SITESYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SITESYNC_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	if cfg.Remote.Token == "" && cfg.Remote.TokenFile != "" {
		token, err := ReadTokenFile(cfg.Remote.TokenFile)
		if err != nil {
			return err
		}
		cfg.Remote.Token = token
	}

	return nil
}

// ReadTokenFile returns the trimmed content of a token file.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

func setDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// ApplyInvite overwrites the remote section and identity with the content
// of an invite code.
func (c *Config) ApplyInvite(code string) error {
	p, err := invite.Decode(code)
	if err != nil {
		return err
	}
	c.Remote.Token = p.Token
	c.Remote.Repo = p.Repo
	c.Remote.Path = p.Path
	if p.Username != "" {
		c.Local.Username = p.Username
	}
	if p.Role != "" {
		c.Local.Role = p.Role
	}
	return nil
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	if c.Remote.Enabled() {
		if strings.Count(c.Remote.Repo, "/") != 1 {
			return fmt.Errorf("remote.repo must be owner/name, got %q", c.Remote.Repo)
		}
		if c.Remote.Token == "" {
			return errors.New("SITESYNC_TOKEN or remote.token_file is required when remote.repo is set")
		}
		if c.Remote.Path == "" {
			return errors.New("remote.path is required")
		}
	}
	if c.Sync.Debounce <= 0 {
		return errors.New("sync.debounce must be positive")
	}
	if c.Sync.PollInterval <= 0 {
		return errors.New("sync.poll_interval must be positive")
	}
	if c.Local.Role != "" && !c.Local.Role.Valid() {
		return fmt.Errorf("local.role %q is not a known role", c.Local.Role)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Backup.Bucket != "" && c.Backup.Interval <= 0 {
		return errors.New("backup.interval must be positive when backup.bucket is set")
	}
	return nil
}

// ValidateServer checks settings needed only by the contents server.
// In dev mode (SITESYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) ValidateServer() error {
	if os.Getenv("SITESYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Server.APIKey == "" {
		return errors.New("SITESYNC_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
