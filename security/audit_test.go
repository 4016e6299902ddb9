package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// captureLogger creates a logger that writes to a buffer for testing
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	return logger, &buf
}

func TestAuditor_LogEvent(t *testing.T) {
	logger, buf := captureLogger()
	auditor := NewAuditor(logger)

	auditor.LogEvent(Event{
		Type:     EventTokenRefreshed,
		Identity: "abc12345",
		Flow:     "client_credentials",
		Details:  map[string]any{"rotated": true},
	})

	out := buf.String()
	for _, want := range []string{EventTokenRefreshed, "abc12345", "client_credentials", "rotated=true", "audit=true"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestAuditor_OmitsEmptyFields(t *testing.T) {
	logger, buf := captureLogger()
	auditor := NewAuditor(logger)

	auditor.LogEvent(Event{Type: EventFlowStarted})

	out := buf.String()
	if strings.Contains(out, "identity=") {
		t.Error("empty identity should be omitted")
	}
	if strings.Contains(out, "flow=") {
		t.Error("empty flow should be omitted")
	}
}

func TestAuditor_LogStateMismatch(t *testing.T) {
	logger, buf := captureLogger()
	auditor := NewAuditor(logger)

	auditor.LogStateMismatch("abc12345", "deadbeef")

	out := buf.String()
	if !strings.Contains(out, EventStateMismatch) {
		t.Errorf("log output missing event type: %s", out)
	}
	if !strings.Contains(out, "state_prefix=deadbeef") {
		t.Errorf("log output missing state prefix: %s", out)
	}
}

func TestAuditor_LogOwnershipDenied(t *testing.T) {
	logger, buf := captureLogger()
	auditor := NewAuditor(logger)

	auditor.LogOwnershipDenied("abc12345", "external")

	out := buf.String()
	if !strings.Contains(out, EventOwnershipDenied) {
		t.Errorf("log output missing event type: %s", out)
	}
	if !strings.Contains(out, "owner=external") {
		t.Errorf("log output missing owner: %s", out)
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var auditor *Auditor
	// Must not panic.
	auditor.LogEvent(Event{Type: EventFlowStarted})
	auditor.LogStateMismatch("id", "prefix")
	auditor.LogOwnershipDenied("id", "owner")
}
