package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenda-podcast/fd2/pkg/persistence"
)

const historyTimeLayout = "2006-01-02 15:04:05"

func (a *app) historyCommand() *cobra.Command {
	var (
		runID string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show tune runs recorded in the ledger",
		Long: `history lists recent tune runs. With --run it shows one run and its
attempts; a unique prefix of the run id is enough.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ledger, err := persistence.Open(a.resolve(cfg.Paths.LedgerPath))
			if err != nil {
				return err
			}
			defer func() { _ = ledger.Close() }()

			if runID != "" {
				return a.showRun(cmd.Context(), ledger, runID)
			}
			return a.listRuns(cmd.Context(), ledger, limit)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id or unique prefix")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list, 0 for all")
	return cmd
}

func (a *app) listRuns(ctx context.Context, ledger *persistence.Ledger, limit int) error {
	runs, err := ledger.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.stdout, styles.Muted.Render("no runs recorded"))
		return nil
	}
	t := newTable("RUN", "STARTED", "BRANCH", "WORKFLOW", "ATTEMPTS", "STATE")
	for _, r := range runs {
		t.add(shortID(r.ID), r.StartedAt.Local().Format(historyTimeLayout), r.Branch, r.Workflow,
			strconv.Itoa(r.Attempts), stateStyle(r.State).Render(r.State))
	}
	t.render(a.stdout)
	return nil
}

func (a *app) showRun(ctx context.Context, ledger *persistence.Ledger, id string) error {
	run, err := ledger.GetRun(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return failWith(exitFailure, fmt.Errorf("no run %s", id))
	}
	if err != nil {
		return err
	}
	attempts, err := ledger.ListAttempts(ctx, run.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "%s %s\n", styles.Title.Render("run"), run.ID)
	fmt.Fprintf(a.stdout, "  target:   %s %s@%s\n", run.Repo, run.Workflow, run.Branch)
	fmt.Fprintf(a.stdout, "  started:  %s\n", run.StartedAt.Local().Format(historyTimeLayout))
	if run.Finished() {
		fmt.Fprintf(a.stdout, "  finished: %s (%s)\n", run.FinishedAt.Local().Format(historyTimeLayout),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(a.stdout, "  state:    %s\n", stateStyle(run.State).Render(run.State))
	if run.LastRunURL != "" {
		fmt.Fprintf(a.stdout, "  last CI:  %s\n", run.LastRunURL)
	}
	if run.Detail != "" {
		fmt.Fprintf(a.stdout, "  detail:   %s\n", firstLine(run.Detail, 120))
	}
	if len(attempts) == 0 {
		return nil
	}

	fmt.Fprintln(a.stdout)
	t := newTable("#", "MODE", "VERDICT", "CI RUN", "REVERIFY", "COMMIT", "ERROR")
	for _, at := range attempts {
		ciRun := ""
		if at.CIRunID != 0 {
			ciRun = strconv.FormatInt(at.CIRunID, 10)
		}
		commit := at.CommitSHA
		if len(commit) > 7 {
			commit = commit[:7]
		}
		verdict := string(at.Verdict)
		t.add(strconv.Itoa(at.Number), string(at.Mode), stateStyle(verdict).Render(verdict), ciRun,
			at.Reverify, commit, firstLine(at.Error, 60))
	}
	t.render(a.stdout)
	return nil
}
