package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agenda-podcast/fd2/pkg/config"
	"github.com/agenda-podcast/fd2/pkg/logx"
	"github.com/agenda-podcast/fd2/pkg/version"
)

// passwordEnv supplies the secrets password without a prompt.
const passwordEnv = "FD_PASSWORD"

// app holds the global flags and I/O shared by every subcommand.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// readSecret prompts for a hidden value. Nil when stdin is not a terminal.
	readSecret func(prompt string) (string, error)

	repoDir    string
	configPath string
	debug      bool
	debugOnly  []string
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		a.readSecret = func(prompt string) (string, error) {
			fmt.Fprint(stderr, prompt)
			value, err := term.ReadPassword(syscall.Stdin)
			fmt.Fprintln(stderr)
			if err != nil {
				return "", fmt.Errorf("failed to read input: %w", err)
			}
			return string(value), nil
		}
	}
	return a
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fd2",
		Short: "Apply manifest bundles and tune a repository until its CI is green",
		Long: `fd2 parses manifest bundles produced by a generation backend, applies them
to a checkout under strict path and encoding rules, and drives a CI tune loop
that dispatches a workflow, reads its failure and pushes guarded fixes.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logx.SetOutput(a.stderr)
			logx.SetDebug(a.debug || len(a.debugOnly) > 0)
			if len(a.debugOnly) > 0 {
				logx.SetDebugDomains(a.debugOnly)
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.repoDir, "repo", "C", ".", "repository directory holding .fd/")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default <repo>/.fd/config.json)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringSliceVar(&a.debugOnly, "debug-domain", nil, "enable debug logging for these domains only")

	root.AddCommand(
		a.tuneCommand(),
		a.applyCommand(),
		a.parseCommand(),
		a.validateDiffCommand(),
		a.snapshotCommand(),
		a.policyCommand(),
		a.secretsCommand(),
		a.historyCommand(),
		a.statsCommand(),
	)
	return root
}

// loadConfig reads the project config, falling back to defaults when absent.
func (a *app) loadConfig() (*config.Config, error) {
	path := a.configPath
	if path == "" {
		path = config.DefaultPath(a.repoDir)
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, failWith(exitUsage, err)
	}
	return cfg, nil
}

// resolve makes p absolute against the repository directory.
func (a *app) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.repoDir, p)
}

// password returns the secrets password from the environment or a prompt. It
// returns "" when neither is available.
func (a *app) password(confirm bool) (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	if a.readSecret == nil {
		return "", nil
	}
	pw, err := a.readSecret("Secrets password: ")
	if err != nil || !confirm {
		return pw, err
	}
	again, err := a.readSecret("Confirm password: ")
	if err != nil {
		return "", err
	}
	if pw != again {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}

// loadSecrets opens the project secrets. Without a password only the
// environment is consulted.
func (a *app) loadSecrets() (*config.Secrets, error) {
	var pw string
	if config.SecretsFileExists(a.repoDir) {
		var err error
		if pw, err = a.password(false); err != nil {
			return nil, err
		}
	}
	secrets, err := config.LoadSecrets(a.repoDir, pw)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	return secrets, nil
}

// readInput reads a file, or stdin when name is "-".
func (a *app) readInput(name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(a.stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return string(data), nil
}

// readLine reads one line from stdin, for values piped in without a terminal.
func (a *app) readLine() (string, error) {
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
