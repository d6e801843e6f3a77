package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "WORLDSEEK"

	DefaultTimeoutSeconds = 120
	DefaultMaxRetries     = 2
	DefaultBackoffFactor  = 2.0
	DefaultSearchPath     = "/api/core/dataset/searchTest"
)

// AuthScheme selects how the upstream token is presented.
type AuthScheme string

const (
	AuthBearer AuthScheme = "bearer"
	AuthAPIKey AuthScheme = "api-key"
)

// Integration holds credentials for one external service.
type Integration struct {
	APIKey  string
	BaseURL string
}

// ServerConfig holds all server configuration. It is built once at startup
// and never mutated afterwards.
type ServerConfig struct {
	Host        string
	Port        int
	Verbose     bool
	Debug       bool
	AccessToken string

	Langflow   Integration
	AuthScheme AuthScheme

	FastGPT    Integration
	SearchPath string

	TimeoutSeconds int
	MaxRetries     int
	BackoffFactor  float64

	DBDialect string
	DBDSN     string
}

// APIKeyConfig is the process-wide upstream credential pair.
type APIKeyConfig struct {
	Token   string
	BaseURL string
}

// NewViper returns a viper instance with defaults, env bindings and the
// legacy environment variable names registered.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("verbose", false)
	v.SetDefault("debug", false)
	v.SetDefault("access_token", "")
	v.SetDefault("langflow.api_key", "")
	v.SetDefault("langflow.base_url", "")
	v.SetDefault("langflow.auth_scheme", string(AuthBearer))
	v.SetDefault("fastgpt.api_key", "")
	v.SetDefault("fastgpt.base_url", "")
	v.SetDefault("fastgpt.search_path", DefaultSearchPath)
	v.SetDefault("proxy.timeout_seconds", DefaultTimeoutSeconds)
	v.SetDefault("proxy.max_retries", DefaultMaxRetries)
	v.SetDefault("proxy.backoff_factor", DefaultBackoffFactor)
	v.SetDefault("database.dialect", "sqlite")
	v.SetDefault("database.dsn", "worldseek.db")

	// Names used by earlier deployments.
	_ = v.BindEnv("langflow.api_key", EnvPrefix+"_LANGFLOW_API_KEY", "LANGFLOW_TOKEN")
	_ = v.BindEnv("langflow.base_url", EnvPrefix+"_LANGFLOW_BASE_URL", "LANGFLOW_API_BASE_URL")
	_ = v.BindEnv("fastgpt.api_key", EnvPrefix+"_FASTGPT_API_KEY", "FASTGPT_TOKEN")
	_ = v.BindEnv("fastgpt.base_url", EnvPrefix+"_FASTGPT_BASE_URL", "FASTGPT_BASE_URL")
	return v
}

// Load builds a ServerConfig from a viper instance.
func Load(v *viper.Viper) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Host:        v.GetString("host"),
		Port:        v.GetInt("port"),
		Verbose:     v.GetBool("verbose"),
		Debug:       v.GetBool("debug"),
		AccessToken: strings.TrimSpace(v.GetString("access_token")),
		Langflow: Integration{
			APIKey:  strings.TrimSpace(v.GetString("langflow.api_key")),
			BaseURL: strings.TrimSpace(v.GetString("langflow.base_url")),
		},
		AuthScheme: AuthScheme(strings.ToLower(strings.TrimSpace(v.GetString("langflow.auth_scheme")))),
		FastGPT: Integration{
			APIKey:  strings.TrimSpace(v.GetString("fastgpt.api_key")),
			BaseURL: strings.TrimSpace(v.GetString("fastgpt.base_url")),
		},
		SearchPath:     strings.TrimSpace(v.GetString("fastgpt.search_path")),
		TimeoutSeconds: v.GetInt("proxy.timeout_seconds"),
		MaxRetries:     v.GetInt("proxy.max_retries"),
		BackoffFactor:  v.GetFloat64("proxy.backoff_factor"),
		DBDialect:      strings.ToLower(strings.TrimSpace(v.GetString("database.dialect"))),
		DBDSN:          v.GetString("database.dsn"),
	}

	switch cfg.AuthScheme {
	case AuthBearer, AuthAPIKey:
	default:
		return nil, fmt.Errorf("langflow.auth_scheme: unsupported value %q (want %q or %q)", cfg.AuthScheme, AuthBearer, AuthAPIKey)
	}
	switch cfg.DBDialect {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("database.dialect: unsupported value %q", cfg.DBDialect)
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.SearchPath == "" {
		cfg.SearchPath = DefaultSearchPath
	}
	return cfg, nil
}

// Timeout returns the per-call upstream timeout.
func (c *ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// APIKeyConfig returns the configured workflow backend credentials.
func (c *ServerConfig) APIKeyConfig() APIKeyConfig {
	return APIKeyConfig{Token: c.Langflow.APIKey, BaseURL: c.Langflow.BaseURL}
}

// Mask hides the middle of a secret: the first and last four characters stay
// visible for keys longer than eight characters, shorter keys are fully starred.
func Mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) > 8 {
		return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
	}
	return strings.Repeat("*", len(key))
}
