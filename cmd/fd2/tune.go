package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agenda-podcast/fd2/pkg/config"
	"github.com/agenda-podcast/fd2/pkg/diffguard"
	"github.com/agenda-podcast/fd2/pkg/github"
	"github.com/agenda-podcast/fd2/pkg/llm/factory"
	"github.com/agenda-podcast/fd2/pkg/logx"
	"github.com/agenda-podcast/fd2/pkg/metrics"
	"github.com/agenda-podcast/fd2/pkg/persistence"
	"github.com/agenda-podcast/fd2/pkg/policy"
	"github.com/agenda-podcast/fd2/pkg/prompt"
	"github.com/agenda-podcast/fd2/pkg/templates"
	"github.com/agenda-podcast/fd2/pkg/tune"
	"github.com/agenda-podcast/fd2/pkg/workspace"
)

// systemPrompt frames every generation request of a tune run.
const systemPrompt = `You repair a repository so that its CI workflow passes. Reply only in the
output format the request names. Touch only the files the request allows.`

type tuneOptions struct {
	branch       string
	workflow     string
	maxAttempts  int
	inputs       []string
	keepWorktree bool
	metricsAddr  string
}

func (a *app) tuneCommand() *cobra.Command {
	var opts tuneOptions
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Run the CI tune loop until the workflow is green or the budget is spent",
		Long: `tune dispatches the workflow on the branch, extracts failure evidence from the
run, asks the generation backend for a fix, validates and applies it in an
isolated worktree, pushes and verifies again.

Exit status is 0 on success, 1 when attempts are exhausted and 3 when the run
was aborted (interrupt or provider quota).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTune(cmd.Context(), &opts)
		},
	}
	cmd.Flags().StringVar(&opts.branch, "branch", "", "branch to dispatch and push (default repo.branch)")
	cmd.Flags().StringVar(&opts.workflow, "workflow", "", "workflow file name or path (default repo.workflow)")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", 0, "attempt budget (default tune.max_attempts)")
	cmd.Flags().StringArrayVar(&opts.inputs, "input", nil, "workflow dispatch input as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.keepWorktree, "keep-worktree", false, "leave the worktree in place after the run")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address during the run")
	return cmd
}

// applyTuneFlags overlays command-line settings on cfg.
func applyTuneFlags(cfg *config.Config, opts *tuneOptions) error {
	if opts.branch != "" {
		cfg.Repo.Branch = opts.branch
	}
	if opts.workflow != "" {
		cfg.Repo.Workflow = opts.workflow
	}
	if opts.maxAttempts > 0 {
		cfg.Tune.MaxAttempts = opts.maxAttempts
	}
	for _, kv := range opts.inputs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("--input %q: want key=value", kv)
		}
		if cfg.Repo.WorkflowInputs == nil {
			cfg.Repo.WorkflowInputs = make(map[string]string)
		}
		cfg.Repo.WorkflowInputs[strings.TrimSpace(k)] = v
	}
	return nil
}

func (a *app) runTune(ctx context.Context, opts *tuneOptions) error {
	logger := logx.NewLogger("fd2")

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := applyTuneFlags(cfg, opts); err != nil {
		return failWith(exitUsage, err)
	}

	git := workspace.NewDefaultGitRunner()
	repoDir := a.resolve(cfg.Repo.Path)
	client, err := a.githubClient(ctx, cfg, git, repoDir)
	if err != nil {
		return failWith(exitUsage, err)
	}
	if err := cfg.RequireTuneTarget(); err != nil {
		return failWith(exitUsage, err)
	}

	secrets, err := a.loadSecrets()
	if err != nil {
		return failWith(exitUsage, err)
	}
	if token, err := secrets.Get(config.SecretGitHubToken); err == nil {
		client = client.WithToken(token)
	}

	recorder := metrics.NewRecorder()
	if opts.metricsAddr != "" {
		srvCtx, stop := context.WithCancel(ctx)
		_, wait, err := metrics.Serve(srvCtx, opts.metricsAddr, recorder.Registry())
		if err != nil {
			stop()
			return failWith(exitUsage, err)
		}
		defer func() {
			stop()
			wait()
		}()
	}
	gen, err := factory.NewGenerator(&cfg.LLM, secrets, systemPrompt, recorder)
	if err != nil {
		return failWith(exitUsage, err)
	}

	renderer, err := templates.NewRenderer()
	if err != nil {
		return err
	}
	renderer.WithProducerRole(cfg.Manifest.DefaultProducerRole)
	counter, err := prompt.NewTokenCounter()
	if err != nil {
		return err
	}

	ledger, err := persistence.Open(a.resolve(cfg.Paths.LedgerPath))
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()

	wt, err := workspace.CreateWorktree(ctx, git, repoDir, a.resolve(cfg.Paths.WorkDir), cfg.Repo.Remote, cfg.Repo.Branch)
	if err != nil {
		return err
	}
	if !opts.keepWorktree {
		defer func() {
			if err := wt.Remove(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("⚠️  failed to remove worktree %s: %v", wt.Dir, err)
			}
		}()
	}

	var oracles []policy.Oracle
	if cfg.Policy.Enabled {
		oracles = policy.FromConfig(&cfg.Policy, &policy.GitLister{Git: git})
	}

	ciOpts := github.DefaultActionsOptions()
	ciOpts.FindTimeout = cfg.Tune.FindRunTimeout.Std()
	ciOpts.MaxEvidenceChars = cfg.Tune.EvidenceMaxChars

	tc := tune.ConfigFrom(cfg)
	tc.ArtifactsDir = a.resolve(cfg.Paths.ArtifactsDir)

	ctrl, err := tune.NewController(tc, tune.Deps{
		CI:        github.NewActionsCI(client, ciOpts),
		Generator: gen,
		Workspace: wt,
		Differ:    diffguard.NewGitApplier(git, wt.Root()),
		Prompts:   prompt.NewBuilder(renderer, counter, cfg.Tune.PromptTokenBudget),
		Renderer:  renderer,
		Oracles:   oracles,
		Recorder:  recorder,
		Ledger:    ledger,
	})
	if err != nil {
		return failWith(exitUsage, err)
	}

	logger.Info("🚀 tuning %s on %s (%s, up to %d attempts)", tc.WorkflowPath(), cfg.Repo.FullName()+"@"+tc.Branch, cfg.LLM.Provider, cfg.Tune.MaxAttempts)
	outcome, err := ctrl.Run(ctx)
	if err != nil {
		return err
	}

	if path := cfg.Paths.MetricsTextfile; path != "" {
		if err := metrics.WriteTextfile(a.resolve(path), recorder.Registry()); err != nil {
			logger.Warn("⚠️  failed to write metrics textfile: %v", err)
		}
	}

	a.printOutcome(outcome, tc.ArtifactsDir)
	if code := outcome.ExitCode(); code != exitOK {
		return failWith(code, nil)
	}
	return nil
}

// githubClient targets repo.owner/repo.name, deriving both from the git remote
// when the config leaves them empty.
func (a *app) githubClient(ctx context.Context, cfg *config.Config, git workspace.GitRunner, repoDir string) (*github.Client, error) {
	if cfg.Repo.Owner != "" && cfg.Repo.Name != "" {
		return github.NewClient(cfg.Repo.Owner, cfg.Repo.Name), nil
	}
	out, err := git.Run(ctx, repoDir, "remote", "get-url", cfg.Repo.Remote)
	if err != nil {
		return nil, fmt.Errorf("repo.owner and repo.name are unset and remote %s has no URL: %w", cfg.Repo.Remote, err)
	}
	client, err := github.NewClientFromRemote(strings.TrimSpace(string(out)))
	if err != nil {
		return nil, err
	}
	cfg.Repo.Owner, cfg.Repo.Name = client.Owner(), client.Repo()
	return client, nil
}

func (a *app) printOutcome(o *tune.Outcome, artifactsDir string) {
	state := string(o.State)
	fmt.Fprintf(a.stdout, "%s %s after %d attempt(s)\n", styles.Title.Render("run "+shortID(o.RunID)), stateStyle(state).Render(state), o.Attempts)
	if o.LastRunURL != "" {
		fmt.Fprintf(a.stdout, "  last CI run: %s\n", o.LastRunURL)
	}
	if o.Detail != "" {
		fmt.Fprintf(a.stdout, "  %s\n", styles.Muted.Render(firstLine(o.Detail, 160)))
	}
	if artifactsDir != "" {
		fmt.Fprintf(a.stdout, "  artifacts: %s\n", filepath.Join(artifactsDir, o.RunID))
	}
}
