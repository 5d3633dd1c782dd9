// Command fd2 applies manifest bundles to a checkout and runs the CI tune loop
// against a GitHub Actions workflow.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Process exit codes. A tune run exits with its terminal state's code.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// exitError carries a specific exit code out of a command. A nil err means the
// command already reported the problem.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func failWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], newApp(os.Stdin, os.Stdout, os.Stderr))
	cancel()
	os.Exit(code)
}

// run contains the main application logic and returns an exit code.
// This allows defers to execute before os.Exit is called.
func run(ctx context.Context, args []string, a *app) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			printError(a.stderr, ee.err)
		}
		return ee.code
	}
	printError(a.stderr, err)
	return exitUsage
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", styles.Error.Render("❌"), err)
}
