package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so host settings cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"WORLDSEEK_HOST",
		"WORLDSEEK_PORT",
		"WORLDSEEK_ACCESS_TOKEN",
		"WORLDSEEK_LANGFLOW_API_KEY",
		"WORLDSEEK_LANGFLOW_BASE_URL",
		"WORLDSEEK_LANGFLOW_AUTH_SCHEME",
		"WORLDSEEK_FASTGPT_API_KEY",
		"WORLDSEEK_FASTGPT_BASE_URL",
		"WORLDSEEK_PROXY_TIMEOUT_SECONDS",
		"WORLDSEEK_PROXY_MAX_RETRIES",
		"WORLDSEEK_DATABASE_DIALECT",
		"LANGFLOW_TOKEN",
		"LANGFLOW_API_BASE_URL",
		"FASTGPT_TOKEN",
		"FASTGPT_BASE_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, AuthBearer, cfg.AuthScheme)
	assert.Equal(t, DefaultTimeoutSeconds, cfg.TimeoutSeconds)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultBackoffFactor, cfg.BackoffFactor)
	assert.Equal(t, "sqlite", cfg.DBDialect)
	assert.Equal(t, DefaultSearchPath, cfg.SearchPath)
	assert.Empty(t, cfg.FastGPT.BaseURL)
}

func TestLoadFromPrefixedEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORLDSEEK_PORT", "9100")
	t.Setenv("WORLDSEEK_LANGFLOW_API_KEY", "sk-flow")
	t.Setenv("WORLDSEEK_LANGFLOW_BASE_URL", "http://flow:7860")
	t.Setenv("WORLDSEEK_LANGFLOW_AUTH_SCHEME", "API-KEY")
	t.Setenv("WORLDSEEK_PROXY_TIMEOUT_SECONDS", "30")

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, AuthAPIKey, cfg.AuthScheme)
	assert.Equal(t, APIKeyConfig{Token: "sk-flow", BaseURL: "http://flow:7860"}, cfg.APIKeyConfig())
	assert.Equal(t, 30, cfg.TimeoutSeconds)
}

func TestLoadLegacyEnvNames(t *testing.T) {
	clearEnv(t)
	t.Setenv("LANGFLOW_TOKEN", "legacy-token")
	t.Setenv("LANGFLOW_API_BASE_URL", "http://legacy:7860")
	t.Setenv("FASTGPT_BASE_URL", "http://gpt:3000/")

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "legacy-token", cfg.Langflow.APIKey)
	assert.Equal(t, "http://legacy:7860", cfg.Langflow.BaseURL)
	assert.Equal(t, "http://gpt:3000/", cfg.FastGPT.BaseURL)
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORLDSEEK_LANGFLOW_AUTH_SCHEME", "basic")
	_, err := Load(NewViper())
	require.Error(t, err)

	clearEnv(t)
	t.Setenv("WORLDSEEK_DATABASE_DIALECT", "mysql")
	_, err = Load(NewViper())
	require.Error(t, err)
}

func TestLoadClampsInvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORLDSEEK_PROXY_TIMEOUT_SECONDS", "0")
	t.Setenv("WORLDSEEK_PROXY_MAX_RETRIES", "-3")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeoutSeconds, cfg.TimeoutSeconds)
	assert.Equal(t, 0, cfg.MaxRetries)
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "***"},
		{"12345678", "********"},
		{"sk-1234567890", "sk-1*****7890"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Mask(tt.in), tt.in)
	}
}
