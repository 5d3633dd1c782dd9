package tune

import (
	"path"
	"strings"
	"time"

	"github.com/agenda-podcast/fd2/pkg/config"
	"github.com/agenda-podcast/fd2/pkg/manifest"
)

const (
	workflowDir      = ".github/workflows"
	logHeadLines     = 120
	maxEvidencePaths = 40
)

// Config is the resolved tune loop configuration for one work item.
type Config struct {
	Repo       string
	Branch     string
	Workflow   string
	Inputs     map[string]string
	WorkItemID string

	MaxAttempts       int
	PollInterval      time.Duration
	RunDeadline       time.Duration
	EscalateAfter     int
	PushRetries       int
	FormatRepairTries int
	MaxBundleParts    int
	EvidenceMaxChars  int

	UploadSnapshot    bool
	SnapshotMaxChars  int
	SnapshotChunkSize int

	// ArtifactsDir is the parent of per-run artifact directories. Empty disables artifacts.
	ArtifactsDir string

	Manifest manifest.Options
}

// ConfigFrom resolves the tune settings in cfg.
func ConfigFrom(cfg *config.Config) Config {
	tc := cfg.Tune
	return Config{
		Repo:              cfg.Repo.FullName(),
		Branch:            cfg.Repo.Branch,
		Workflow:          cfg.Repo.Workflow,
		Inputs:            cfg.Repo.WorkflowInputs,
		WorkItemID:        cfg.Manifest.DefaultWorkItemID,
		MaxAttempts:       tc.MaxAttempts,
		PollInterval:      tc.PollInterval.Std(),
		RunDeadline:       tc.RunDeadline.Std(),
		EscalateAfter:     tc.EscalateAfter,
		PushRetries:       tc.PushRetries,
		FormatRepairTries: tc.FormatRepairTries,
		MaxBundleParts:    tc.MaxBundleParts,
		EvidenceMaxChars:  tc.EvidenceMaxChars,
		UploadSnapshot:    tc.UploadSnapshot,
		SnapshotMaxChars:  tc.SnapshotMaxChars,
		SnapshotChunkSize: tc.SnapshotChunkSize,
		ArtifactsDir:      cfg.Paths.ArtifactsDir,
		Manifest: manifest.Options{
			DefaultWorkItemID:   cfg.Manifest.DefaultWorkItemID,
			DefaultProducerRole: cfg.Manifest.DefaultProducerRole,
			RelaxedPrefix:       cfg.Manifest.RelaxedPrefix,
		},
	}
}

// WorkflowPath returns the repository path of the workflow definition. A bare file
// name lives under .github/workflows.
func (c *Config) WorkflowPath() string {
	if strings.Contains(c.Workflow, "/") {
		return strings.TrimPrefix(path.Clean(c.Workflow), "./")
	}
	return path.Join(workflowDir, c.Workflow)
}

func (c *Config) withDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = config.DefaultMaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = config.DefaultPollInterval
	}
	if c.RunDeadline <= 0 {
		c.RunDeadline = config.DefaultRunDeadline
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = config.DefaultEscalateAfter
	}
	if c.FormatRepairTries <= 0 {
		c.FormatRepairTries = config.DefaultFormatRepairTries
	}
	if c.MaxBundleParts <= 0 {
		c.MaxBundleParts = config.DefaultMaxBundleParts
	}
	if c.EvidenceMaxChars <= 0 {
		c.EvidenceMaxChars = config.DefaultEvidenceMaxChars
	}
	if c.WorkItemID == "" {
		c.WorkItemID = config.DefaultWorkItemID
	}
}
