package oauth2client

import (
	"errors"
	"fmt"
)

// Error kinds, mirroring the failure taxonomy of the engine.
const (
	// KindConfig indicates missing or unsupported flow parameters.
	// Detected at construction time.
	KindConfig = "config"

	// KindTransport indicates a network or timeout failure reaching the
	// token endpoint. Retryable at the caller's discretion; the engine never
	// retries internally.
	KindTransport = "transport"

	// KindProtocol indicates a non-success response from the token endpoint.
	// Carries the upstream error payload.
	KindProtocol = "protocol"

	// KindMalformedResponse indicates a success status with an unparseable
	// or incomplete body, so callers can distinguish transport-shape
	// failures from credential failures.
	KindMalformedResponse = "malformed_response"

	// KindState indicates a callback state token that is unknown, expired,
	// or already consumed. The flow must restart from the beginning.
	KindState = "state"

	// KindSecurity indicates a state-ownership violation under the strict
	// ownership policy.
	KindSecurity = "security"
)

// FlowError is the error type returned by the engine.
type FlowError struct {
	Kind        string // one of the Kind* constants
	Description string // human-readable description
	GrantType   string // grant type of the failed exchange, if any
	OAuthCode   string // upstream OAuth error code (e.g. "invalid_grant"), if any
	StatusCode  int    // upstream HTTP status, if any
	Body        []byte // raw upstream payload, never swallowed
	Err         error  // wrapped cause, if any
}

// Error implements the error interface
func (e *FlowError) Error() string {
	switch {
	case e.OAuthCode != "":
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Description, e.OAuthCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Description)
	}
}

// Unwrap returns the wrapped cause.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may reasonably retry the operation.
// Only transport failures are retryable; OAuth error responses are terminal
// for the attempt.
func (e *FlowError) Retryable() bool {
	return e.Kind == KindTransport
}

// ErrConfig creates a construction-time configuration error.
func ErrConfig(desc string) *FlowError {
	return &FlowError{Kind: KindConfig, Description: desc}
}

// ErrTransport creates a retryable transport error wrapping its cause.
func ErrTransport(grantType string, err error) *FlowError {
	return &FlowError{
		Kind:        KindTransport,
		Description: "token endpoint unreachable",
		GrantType:   grantType,
		Err:         err,
	}
}

// ErrProtocol creates an error for a non-success token endpoint response.
func ErrProtocol(grantType string, status int, oauthCode, desc string, body []byte) *FlowError {
	if desc == "" {
		desc = "token endpoint rejected the request"
	}
	return &FlowError{
		Kind:        KindProtocol,
		Description: desc,
		GrantType:   grantType,
		OAuthCode:   oauthCode,
		StatusCode:  status,
		Body:        body,
	}
}

// ErrMalformedResponse creates an error for an unparseable success response.
func ErrMalformedResponse(grantType, desc string, status int, body []byte, err error) *FlowError {
	return &FlowError{
		Kind:        KindMalformedResponse,
		Description: desc,
		GrantType:   grantType,
		StatusCode:  status,
		Body:        body,
		Err:         err,
	}
}

// ErrUnknownState creates an error for a callback whose state token has no
// live registry entry.
func ErrUnknownState(desc string) *FlowError {
	return &FlowError{Kind: KindState, Description: desc}
}

// ErrOwnership creates an error for a state token owned by another consumer,
// surfaced only under the strict ownership policy.
func ErrOwnership(desc string) *FlowError {
	return &FlowError{Kind: KindSecurity, Description: desc}
}

// IsKind reports whether err is a *FlowError of the given kind.
func IsKind(err error, kind string) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Kind == kind
}

// IsStateError reports whether err indicates an unknown, expired, or consumed
// state token.
func IsStateError(err error) bool { return IsKind(err, KindState) }

// IsTransportError reports whether err indicates a retryable transport failure.
func IsTransportError(err error) bool { return IsKind(err, KindTransport) }

// IsProtocolError reports whether err indicates a token endpoint rejection.
func IsProtocolError(err error) bool { return IsKind(err, KindProtocol) }
