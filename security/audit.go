package security

import (
	"log/slog"
	"time"
)

// Event types recorded by the Auditor.
const (
	EventFlowStarted     = "authorization_flow_started"
	EventFlowResumed     = "authorization_flow_resumed"
	EventFlowDeferred    = "authorization_flow_deferred"
	EventTokenExchanged  = "token_exchanged"
	EventTokenRefreshed  = "token_refreshed"
	EventRefreshFallback = "refresh_fallback"
	EventStateMismatch   = "state_mismatch"
	EventOwnershipDenied = "state_ownership_denied"
)

// Event is a single audit record. Details must never contain raw tokens or
// client secrets; callers truncate identifiers before logging.
type Event struct {
	Type     string
	Identity string
	Flow     string
	Details  map[string]any
}

// Auditor writes security-relevant flow events to a structured logger.
// A nil Auditor is safe to call and records nothing.
type Auditor struct {
	logger *slog.Logger
}

// NewAuditor creates an auditor writing to the given logger.
// If logger is nil, slog.Default() is used.
func NewAuditor(logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger}
}

// LogEvent records an audit event.
func (a *Auditor) LogEvent(e Event) {
	if a == nil {
		return
	}

	attrs := []any{
		"audit", true,
		"event", e.Type,
		"time", time.Now().UTC().Format(time.RFC3339),
	}
	if e.Identity != "" {
		attrs = append(attrs, "identity", e.Identity)
	}
	if e.Flow != "" {
		attrs = append(attrs, "flow", e.Flow)
	}
	for k, v := range e.Details {
		attrs = append(attrs, k, v)
	}

	a.logger.Info("Security audit event", attrs...)
}

// LogStateMismatch records a callback that carried an unknown or already
// consumed state token.
func (a *Auditor) LogStateMismatch(identity, statePrefix string) {
	a.LogEvent(Event{
		Type:     EventStateMismatch,
		Identity: identity,
		Details:  map[string]any{"state_prefix": statePrefix},
	})
}

// LogOwnershipDenied records a callback whose state token belongs to another
// consumer of the shared correlation namespace.
func (a *Auditor) LogOwnershipDenied(identity, owner string) {
	a.LogEvent(Event{
		Type:     EventOwnershipDenied,
		Identity: identity,
		Details:  map[string]any{"owner": owner},
	})
}
