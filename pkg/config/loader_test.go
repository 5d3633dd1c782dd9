package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigDir, ConfigFilename)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `{"repo": {"owner": "acme", "name": "site", "branch": "main", "workflow": "ci.yml"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "origin", cfg.Repo.Remote)
	assert.Equal(t, ".", cfg.Repo.Path)
	assert.Equal(t, DefaultMaxAttempts, cfg.Tune.MaxAttempts)
	assert.Equal(t, DefaultPollInterval, cfg.Tune.PollInterval.Std())
	assert.Equal(t, DefaultEscalateAfter, cfg.Tune.EscalateAfter)
	assert.Equal(t, ProviderGoogle, cfg.LLM.Provider)
	assert.Equal(t, DefaultGoogleModel, cfg.LLM.Model)
	assert.InDelta(t, DefaultTemperature, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, "docs/", cfg.Manifest.RelaxedPrefix)
	assert.Equal(t, DefaultMaxLines, cfg.Policy.MaxLines)
	assert.NoError(t, cfg.RequireTuneTarget())
	assert.Equal(t, "acme/site", cfg.Repo.FullName())
}

func TestLoadConfigDurationsAndEnvSubstitution(t *testing.T) {
	t.Setenv("FD_TEST_OWNER", "octo")
	path := writeConfig(t, `{
  "repo": {"owner": "${FD_TEST_OWNER}", "name": "r"},
  "tune": {"poll_interval": "5s", "run_deadline": 120, "find_run_timeout": "1m"},
  "llm": {"provider": "anthropic", "timeout": "90s"}
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "octo", cfg.Repo.Owner)
	assert.Equal(t, 5*time.Second, cfg.Tune.PollInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.Tune.RunDeadline.Std())
	assert.Equal(t, time.Minute, cfg.Tune.FindRunTimeout.Std())
	assert.Equal(t, DefaultAnthropicModel, cfg.LLM.Model)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout.Std())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("FD_TUNE_MAX_ATTEMPTS", "4")
	t.Setenv("FD_TUNE_POLL_INTERVAL", "30s")
	t.Setenv("FD_TUNE_UPLOAD_SNAPSHOT", "true")
	t.Setenv("FD_LLM_PROVIDER", "ollama")
	t.Setenv("FD_LLM_TEMPERATURE", "0.7")
	t.Setenv("FD_POLICY_ASCII_EXTENSIONS", ".py, .md")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Tune.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Tune.PollInterval.Std())
	assert.True(t, cfg.Tune.UploadSnapshot)
	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, DefaultOllamaURL, cfg.LLM.BaseURL)
	assert.InDelta(t, 0.7, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, []string{".py", ".md"}, cfg.Policy.ASCIIExtensions)
}

func TestLoadConfigBadEnvOverride(t *testing.T) {
	t.Setenv("FD_TUNE_MAX_ATTEMPTS", "many")
	_, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FD_TUNE_MAX_ATTEMPTS")
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown provider", `{"llm": {"provider": "mystery"}}`, "oneof"},
		{"too many parts", `{"tune": {"max_bundle_parts": 9}}`, "MaxBundleParts"},
		{"negative retries", `{"llm": {"retries": -1}}`, "Retries"},
		{"deadline shorter than poll", `{"tune": {"poll_interval": "10m", "run_deadline": "1m"}}`, "run_deadline"},
		{"poll too fast", `{"tune": {"poll_interval": "10ms"}}`, "poll_interval"},
		{"absolute relaxed prefix", `{"manifest": {"relaxed_prefix": "/etc/"}}`, "relaxed_prefix"},
		{"bad duration", `{"llm": {"timeout": "soon"}}`, "invalid duration"},
		{"owner with slash", `{"repo": {"owner": "a/b"}}`, "Owner"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRequireTuneTarget(t *testing.T) {
	cfg := Default()
	err := cfg.RequireTuneTarget()
	require.Error(t, err)
	for _, field := range []string{"repo.owner", "repo.name", "repo.branch", "repo.workflow"} {
		assert.True(t, strings.Contains(err.Error(), field), "missing %s in %v", field, err)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Repo.Owner = "acme"
	cfg.Tune.RunDeadline = Duration(45 * time.Minute)

	path := filepath.Join(t.TempDir(), ConfigDir, ConfigFilename)
	require.NoError(t, SaveConfig(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_deadline": "45m0s"`)

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestAPIKeySecret(t *testing.T) {
	assert.Equal(t, SecretGeminiAPIKey, APIKeySecret(ProviderGoogle))
	assert.Equal(t, SecretAnthropicAPIKey, APIKeySecret(ProviderAnthropic))
	assert.Equal(t, SecretOpenAIAPIKey, APIKeySecret(ProviderOpenAI))
	assert.Empty(t, APIKeySecret(ProviderOllama))
}
