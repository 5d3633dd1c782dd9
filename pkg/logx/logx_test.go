package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	t.Cleanup(restore)
	return &buf
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("tune")
	if logger.Component() != "tune" {
		t.Errorf("Expected component 'tune', got '%s'", logger.Component())
	}
}

func TestLogFormat(t *testing.T) {
	buf := captureOutput(t)

	logger := NewLogger("github")
	logger.Info("dispatched %s", "ci.yml")

	output := buf.String()
	if !strings.Contains(output, "[github]") {
		t.Errorf("Expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected log level in output, got: %s", output)
	}
	if !strings.Contains(output, "dispatched ci.yml") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}
	if !strings.HasPrefix(output, "[") || !strings.Contains(output, "Z]") {
		t.Errorf("Expected UTC timestamp prefix, got: %s", output)
	}
}

func TestDebugGatedByDomain(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true)
	SetDebugDomains([]string{"tune"})
	t.Cleanup(func() {
		SetDebug(false)
		SetDebugDomains(nil)
	})

	NewLogger("tune").Debug("visible")
	NewLogger("apply").Debug("hidden")
	Debug(WithRunID(context.Background(), "run-1"), "tune", "flow %d", 2)
	Debug(context.Background(), "apply", "also hidden")

	output := buf.String()
	if !strings.Contains(output, "visible") {
		t.Errorf("Expected tune debug line, got: %s", output)
	}
	if strings.Contains(output, "hidden") {
		t.Errorf("Expected apply debug lines to be filtered, got: %s", output)
	}
	if !strings.Contains(output, "[run-1] DEBUG: [tune] flow 2") {
		t.Errorf("Expected run id and domain, got: %s", output)
	}
}

func TestDebugStateAndFlow(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true)
	t.Cleanup(func() { SetDebug(false) })

	ctx := WithRunID(context.Background(), "run-2")
	DebugState(ctx, "tune", "transition", "EVALUATE -> GENERATE_FIX", "attempt 1, mode diff")
	DebugFlow(ctx, "github", "poll", "in_progress")

	output := buf.String()
	if !strings.Contains(output, "[run-2] DEBUG: [tune] State transition: EVALUATE -> GENERATE_FIX - attempt 1, mode diff") {
		t.Errorf("Expected state line, got: %s", output)
	}
	if !strings.Contains(output, "[github] Flow poll: in_progress\n") {
		t.Errorf("Expected flow line without extra, got: %s", output)
	}
}

func TestDebugDisabled(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(false)

	NewLogger("tune").Debug("nothing")
	DebugState(context.Background(), "tune", "enter", "DISPATCH")

	if buf.Len() != 0 {
		t.Errorf("Expected no output with debug disabled, got: %s", buf.String())
	}
}

func TestWrap(t *testing.T) {
	buf := captureOutput(t)

	if Wrap(nil, "noop") != nil {
		t.Error("Expected nil for nil error")
	}

	base := errors.New("boom")
	err := Wrap(base, "open ledger")
	if !errors.Is(err, base) {
		t.Error("Expected wrapped error to match base")
	}
	if err.Error() != "open ledger: boom" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	if !strings.Contains(buf.String(), "ERROR: open ledger: boom") {
		t.Errorf("Expected error to be logged, got: %s", buf.String())
	}
}

func TestErrorf(t *testing.T) {
	captureOutput(t)
	base := errors.New("root")
	err := Errorf("setup failed: %w", base)
	if !errors.Is(err, base) {
		t.Error("Expected errors.Is through Errorf")
	}
}
