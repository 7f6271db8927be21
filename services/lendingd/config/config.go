package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultListen = ":8446"

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	Environment   string        `yaml:"env"`
	TLS           TLSConfig     `yaml:"tls"`
	Auth          AuthConfig    `yaml:"auth"`
	Storage       StorageConfig `yaml:"storage"`
	Journal       JournalConfig `yaml:"journal"`
	Oracle        OracleConfig  `yaml:"oracle"`
	RateLimit     RateConfig    `yaml:"rate_limit"`
	Log           LogConfig     `yaml:"log"`
	// GenesisPath points at a TOML file describing pools and opening balances.
	GenesisPath string `yaml:"genesis"`
	// Paused lists modules that start paused.
	Paused         []string      `yaml:"paused"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig lists the authenticators accepted by the service.
type AuthConfig struct {
	// APITokens maps a static token to the identity it authenticates.
	APITokens map[string]string `yaml:"api_tokens"`
	JWT       JWTConfig         `yaml:"jwt"`
	MTLS      MTLSAuthConfig    `yaml:"mtls"`
}

// JWTConfig enables HMAC-signed bearer tokens whose subject is the caller.
type JWTConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// MTLSAuthConfig enumerates the allowed client certificate identities.
type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

// StorageConfig selects the record store. An empty path keeps everything in
// memory.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// JournalConfig enables the SQL event archive.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// OracleConfig enables collateral pricing through the price book.
type OracleConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Identities []string      `yaml:"identities"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// RateConfig throttles callers per identity.
type RateConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.GenesisPath = strings.TrimSpace(cfg.GenesisPath)
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Oracle.Enabled && cfg.Oracle.MaxAge <= 0 {
		cfg.Oracle.MaxAge = 5 * time.Minute
	}
	cfg.Oracle.Identities = trimAll(cfg.Oracle.Identities)
	cfg.Paused = trimAll(cfg.Paused)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.Oracle.Enabled && len(cfg.Oracle.Identities) == 0 {
		return fmt.Errorf("oracle: at least one identity is required when enabled")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	tokens := make(map[string]string, len(cfg.APITokens))
	for token, identity := range cfg.APITokens {
		token = strings.TrimSpace(token)
		identity = strings.TrimSpace(identity)
		if token != "" && identity != "" {
			tokens[token] = identity
		}
	}
	cfg.APITokens = tokens
	cfg.JWT.HMACSecret = strings.TrimSpace(cfg.JWT.HMACSecret)
	cfg.JWT.Issuer = strings.TrimSpace(cfg.JWT.Issuer)
	cfg.JWT.Audience = strings.TrimSpace(cfg.JWT.Audience)
	cfg.MTLS.AllowedCommonNames = trimAll(cfg.MTLS.AllowedCommonNames)
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	hasTokens := len(cfg.APITokens) > 0
	hasJWT := cfg.JWT.HMACSecret != ""
	if !hasTokens && !hasJWT {
		return fmt.Errorf("at least one api token or a jwt secret must be configured")
	}
	if len(cfg.MTLS.AllowedCommonNames) > 0 && strings.TrimSpace(tls.ClientCAPath) == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	return nil
}

// Sanitized returns a copy with secrets masked for logging.
func (cfg Config) Sanitized() Config {
	clone := cfg
	if len(cfg.Auth.APITokens) > 0 {
		masked := make(map[string]string, len(cfg.Auth.APITokens))
		for _, identity := range cfg.Auth.APITokens {
			masked["***"+identity] = identity
		}
		clone.Auth.APITokens = masked
	}
	if clone.Auth.JWT.HMACSecret != "" {
		clone.Auth.JWT.HMACSecret = "***"
	}
	if clone.Journal.DSN != "" {
		clone.Journal.DSN = "***"
	}
	return clone
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
