package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Tune loop defaults.
const (
	DefaultMaxAttempts       = 10
	DefaultPollInterval      = 10 * time.Second
	DefaultRunDeadline       = time.Hour
	DefaultFindRunTimeout    = 3 * time.Minute
	DefaultEscalateAfter     = 2
	DefaultPushRetries       = 3
	DefaultFormatRepairTries = 3
	DefaultMaxBundleParts    = 8
	DefaultPromptTokenBudget = 120000
	DefaultEvidenceMaxChars  = 250000
	DefaultSnapshotMaxChars  = 180000
	DefaultSnapshotChunkSize = 50000
)

// LLM defaults.
const (
	DefaultTemperature     = 0.2
	DefaultMaxOutputTokens = 8192
	DefaultThinkingBudget  = 1024
	DefaultLLMTimeout      = 15 * time.Minute
	DefaultLLMRetries      = 2
)

// Misc defaults.
const (
	DefaultRemote        = "origin"
	DefaultRelaxedPrefix = "docs/"
	DefaultWorkItemID    = "WI-TUNE"
	DefaultProducerRole  = "BUILDER"
	DefaultMaxLines      = 500
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

//nolint:gochecknoglobals // validator caches struct metadata; one instance per process
var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns <repoDir>/.fd/config.json.
func DefaultPath(repoDir string) string {
	return filepath.Join(repoDir, ConfigDir, ConfigFilename)
}

// LoadConfig loads and validates configuration from a JSON file with environment variable
// substitution and FD_<SECTION>_<FIELD> overrides.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(data)
}

// LoadOrDefault behaves like LoadConfig but starts from Default when the file is absent.
func LoadOrDefault(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		data = []byte("{}")
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})

	var config Config
	if err := json.Unmarshal([]byte(dataStr), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// SaveConfig writes cfg as indented JSON, creating the parent directory.
func SaveConfig(cfg *Config, configPath string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(config *Config) error {
	v := reflect.ValueOf(config).Elem()
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		section := v.Field(i)
		if section.Kind() != reflect.Struct {
			continue
		}
		name := jsonName(t.Field(i))
		if name == "" {
			continue
		}
		if err := applyEnvOverridesRecursive(section, EnvPrefix+strings.ToUpper(name)+"_"); err != nil {
			return err
		}
	}
	return nil
}

func applyEnvOverridesRecursive(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		name := jsonName(t.Field(i))
		if name == "" {
			continue
		}
		envKey := prefix + strings.ToUpper(name)
		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldFromEnv(v.Field(i), envValue); err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
	}
	return nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	return strings.Split(tag, ",")[0]
}

//nolint:gochecknoglobals // type identity for the duration special case
var durationType = reflect.TypeOf(Duration(0))

func setFieldFromEnv(field reflect.Value, envValue string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := ParseDuration(envValue)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(envValue), 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse int from '%s': %w", envValue, err)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(envValue), 64)
		if err != nil {
			return fmt.Errorf("failed to parse float from '%s': %w", envValue, err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(envValue))
		if err != nil {
			return fmt.Errorf("failed to parse bool from '%s': %w", envValue, err)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		var items []string
		for _, item := range strings.Split(envValue, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	}
	return nil
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(config *Config) {
	if config.Repo.Path == "" {
		config.Repo.Path = "."
	}
	if config.Repo.Remote == "" {
		config.Repo.Remote = DefaultRemote
	}

	tc := &config.Tune
	if tc.MaxAttempts == 0 {
		tc.MaxAttempts = DefaultMaxAttempts
	}
	if tc.PollInterval == 0 {
		tc.PollInterval = Duration(DefaultPollInterval)
	}
	if tc.RunDeadline == 0 {
		tc.RunDeadline = Duration(DefaultRunDeadline)
	}
	if tc.FindRunTimeout == 0 {
		tc.FindRunTimeout = Duration(DefaultFindRunTimeout)
	}
	if tc.EscalateAfter == 0 {
		tc.EscalateAfter = DefaultEscalateAfter
	}
	if tc.PushRetries == 0 {
		tc.PushRetries = DefaultPushRetries
	}
	if tc.FormatRepairTries == 0 {
		tc.FormatRepairTries = DefaultFormatRepairTries
	}
	if tc.MaxBundleParts == 0 {
		tc.MaxBundleParts = DefaultMaxBundleParts
	}
	if tc.PromptTokenBudget == 0 {
		tc.PromptTokenBudget = DefaultPromptTokenBudget
	}
	if tc.EvidenceMaxChars == 0 {
		tc.EvidenceMaxChars = DefaultEvidenceMaxChars
	}
	if tc.SnapshotMaxChars == 0 {
		tc.SnapshotMaxChars = DefaultSnapshotMaxChars
	}
	if tc.SnapshotChunkSize == 0 {
		tc.SnapshotChunkSize = DefaultSnapshotChunkSize
	}

	lc := &config.LLM
	if lc.Provider == "" {
		lc.Provider = ProviderGoogle
	}
	lc.Provider = strings.ToLower(lc.Provider)
	if lc.Model == "" {
		lc.Model = DefaultModelFor(lc.Provider)
	}
	if lc.BaseURL == "" && lc.Provider == ProviderOllama {
		lc.BaseURL = DefaultOllamaURL
	}
	if lc.Temperature == 0 {
		lc.Temperature = DefaultTemperature
	}
	if lc.MaxOutputTokens == 0 {
		lc.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if lc.ThinkingBudget == 0 {
		lc.ThinkingBudget = DefaultThinkingBudget
	}
	if lc.Timeout == 0 {
		lc.Timeout = Duration(DefaultLLMTimeout)
	}
	if lc.Retries == 0 {
		lc.Retries = DefaultLLMRetries
	}

	mc := &config.Manifest
	if mc.RelaxedPrefix == "" {
		mc.RelaxedPrefix = DefaultRelaxedPrefix
	}
	if mc.DefaultWorkItemID == "" {
		mc.DefaultWorkItemID = DefaultWorkItemID
	}
	if mc.DefaultProducerRole == "" {
		mc.DefaultProducerRole = DefaultProducerRole
	}

	pc := &config.Paths
	if pc.WorkDir == "" {
		pc.WorkDir = filepath.Join(ConfigDir, "work")
	}
	if pc.ArtifactsDir == "" {
		pc.ArtifactsDir = filepath.Join(ConfigDir, "artifacts")
	}
	if pc.LedgerPath == "" {
		pc.LedgerPath = filepath.Join(ConfigDir, "ledger.db")
	}

	if config.Policy.MaxLines == 0 {
		config.Policy.MaxLines = DefaultMaxLines
	}
}

func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return fmt.Errorf("validate: %w", err)
	}

	tc := &config.Tune
	if tc.PollInterval.Std() < time.Second {
		return fmt.Errorf("tune.poll_interval must be at least 1s, got %s", tc.PollInterval)
	}
	if tc.RunDeadline.Std() < tc.PollInterval.Std() {
		return fmt.Errorf("tune.run_deadline (%s) must not be shorter than tune.poll_interval (%s)", tc.RunDeadline, tc.PollInterval)
	}
	if tc.FindRunTimeout.Std() <= 0 {
		return fmt.Errorf("tune.find_run_timeout must be positive")
	}
	if tc.EscalateAfter > tc.MaxAttempts {
		LogInfo("tune.escalate_after (%d) exceeds max_attempts (%d); bundle fallback will not trigger", tc.EscalateAfter, tc.MaxAttempts)
	}
	if tc.UploadSnapshot && tc.SnapshotChunkSize > tc.SnapshotMaxChars {
		return fmt.Errorf("tune.snapshot_chunk_chars (%d) exceeds tune.snapshot_max_chars (%d)", tc.SnapshotChunkSize, tc.SnapshotMaxChars)
	}

	if config.LLM.Timeout.Std() <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if config.LLM.Provider == ProviderOllama && config.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required for provider %s", ProviderOllama)
	}

	prefix := config.Manifest.RelaxedPrefix
	if strings.HasPrefix(prefix, "/") || strings.Contains(prefix, "..") || !strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("manifest.relaxed_prefix must be a relative directory ending in '/', got %q", prefix)
	}
	return nil
}
