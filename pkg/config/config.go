// Package config provides configuration loading, validation, and secrets for fd2.
// It handles JSON config files, environment variable substitution, FD_* overrides
// and the encrypted secrets file.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agenda-podcast/fd2/pkg/logx"
)

// Project config constants.
const (
	ConfigDir      = ".fd"
	ConfigFilename = "config.json"
	EnvPrefix      = "FD_"
)

// Generation providers.
const (
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// Secret names, looked up in the secrets file and then the environment.
const (
	SecretGeminiAPIKey    = "GEMINI_API_KEY"
	SecretAnthropicAPIKey = "ANTHROPIC_API_KEY"
	SecretOpenAIAPIKey    = "OPENAI_API_KEY"
	SecretGitHubToken     = "GITHUB_TOKEN"
)

// Default model per provider.
const (
	DefaultGoogleModel    = "gemini-2.5-pro"
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOpenAIModel    = "gpt-5"
	DefaultOllamaModel    = "qwen2.5-coder:14b"
	DefaultOllamaURL      = "http://localhost:11434"
)

//nolint:gochecknoglobals // package logger
var logger = logx.NewLogger("config")

// LogInfo logs an info message using the config logger.
func LogInfo(format string, args ...any) {
	logger.Info(format, args...)
}

// Duration is a time.Duration that reads and writes Go duration strings ("90s", "1h").
// Bare JSON numbers are taken as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String()) //nolint:wrapcheck // string marshal cannot fail
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var secs float64
		if numErr := json.Unmarshal(data, &secs); numErr != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDuration parses a Go duration string. An empty string is zero.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

// Config is the root of .fd/config.json.
type Config struct {
	Repo     RepoConfig     `json:"repo"`
	Tune     TuneConfig     `json:"tune"`
	LLM      LLMConfig      `json:"llm"`
	Manifest ManifestConfig `json:"manifest"`
	Paths    PathsConfig    `json:"paths"`
	Policy   PolicyConfig   `json:"policy"`
}

// RepoConfig names the repository under tune and its CI workflow.
type RepoConfig struct {
	Owner          string            `json:"owner" validate:"omitempty,excludes=/"`
	Name           string            `json:"name" validate:"omitempty,excludes=/"`
	Path           string            `json:"path"`
	Remote         string            `json:"remote" validate:"required"`
	Branch         string            `json:"branch"`
	Workflow       string            `json:"workflow"`
	WorkflowInputs map[string]string `json:"workflow_inputs,omitempty"`
}

// FullName returns owner/name.
func (r *RepoConfig) FullName() string {
	return r.Owner + "/" + r.Name
}

// TuneConfig holds the loop budgets and timings.
type TuneConfig struct {
	MaxAttempts       int      `json:"max_attempts" validate:"gte=1,lte=100"`
	PollInterval      Duration `json:"poll_interval"`
	RunDeadline       Duration `json:"run_deadline"`
	FindRunTimeout    Duration `json:"find_run_timeout"`
	EscalateAfter     int      `json:"escalate_after" validate:"gte=1"`
	PushRetries       int      `json:"push_retries" validate:"gte=0,lte=20"`
	FormatRepairTries int      `json:"format_repair_tries" validate:"gte=1,lte=10"`
	MaxBundleParts    int      `json:"max_bundle_parts" validate:"gte=1,lte=8"`
	PromptTokenBudget int      `json:"prompt_token_budget" validate:"gte=1000"`
	EvidenceMaxChars  int      `json:"evidence_max_chars" validate:"gte=1000"`
	UploadSnapshot    bool     `json:"upload_snapshot"`
	SnapshotMaxChars  int      `json:"snapshot_max_chars" validate:"gte=0"`
	SnapshotChunkSize int      `json:"snapshot_chunk_chars" validate:"gte=0"`
}

// LLMConfig selects and tunes the generation backend.
type LLMConfig struct {
	Provider        string   `json:"provider" validate:"required,oneof=google anthropic openai ollama"`
	Model           string   `json:"model"`
	BaseURL         string   `json:"base_url,omitempty" validate:"omitempty,url"`
	MaxOutputTokens int      `json:"max_output_tokens" validate:"gte=0"`
	Temperature     float64  `json:"temperature" validate:"gte=0,lte=2"`
	ThinkingBudget  int      `json:"thinking_budget" validate:"gte=0"`
	Timeout         Duration `json:"timeout"`
	Retries         int      `json:"retries" validate:"gte=0,lte=10"`
}

// ManifestConfig configures the relaxed manifest grammar and identity defaults.
type ManifestConfig struct {
	RelaxedPrefix       string `json:"relaxed_prefix"`
	DefaultWorkItemID   string `json:"default_work_item_id"`
	DefaultProducerRole string `json:"default_producer_role"`
}

// PathsConfig locates working state. Relative paths resolve against the repo path.
type PathsConfig struct {
	WorkDir         string `json:"work_dir"`
	ArtifactsDir    string `json:"artifacts_dir"`
	LedgerPath      string `json:"ledger_path"`
	MetricsTextfile string `json:"metrics_textfile,omitempty"`
}

// PolicyConfig configures the post-apply policy oracles.
type PolicyConfig struct {
	Enabled             bool     `json:"enabled"`
	MaxLines            int      `json:"max_lines" validate:"gte=0"`
	ASCIIExtensions     []string `json:"ascii_extensions,omitempty"`
	LineLimitExtensions []string `json:"line_limit_extensions,omitempty"`
	ASCIIAllowlist      string   `json:"ascii_allowlist,omitempty"`
	LineLimitAllowlist  string   `json:"line_limit_allowlist,omitempty"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// RequireTuneTarget checks the fields only the tune loop needs.
func (c *Config) RequireTuneTarget() error {
	var missing []string
	if c.Repo.Owner == "" {
		missing = append(missing, "repo.owner")
	}
	if c.Repo.Name == "" {
		missing = append(missing, "repo.name")
	}
	if c.Repo.Branch == "" {
		missing = append(missing, "repo.branch")
	}
	if c.Repo.Workflow == "" {
		missing = append(missing, "repo.workflow")
	}
	if len(missing) > 0 {
		return fmt.Errorf("tune requires %s", strings.Join(missing, ", "))
	}
	return nil
}

// DefaultModelFor returns the default model name for provider.
func DefaultModelFor(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return DefaultAnthropicModel
	case ProviderOpenAI:
		return DefaultOpenAIModel
	case ProviderOllama:
		return DefaultOllamaModel
	default:
		return DefaultGoogleModel
	}
}

// APIKeySecret returns the secret name holding provider's API key. Ollama needs none.
func APIKeySecret(provider string) string {
	switch provider {
	case ProviderGoogle:
		return SecretGeminiAPIKey
	case ProviderAnthropic:
		return SecretAnthropicAPIKey
	case ProviderOpenAI:
		return SecretOpenAIAPIKey
	default:
		return ""
	}
}
