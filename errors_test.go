package oauth2client

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFlowError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *FlowError
		want string
	}{
		{
			name: "with oauth code",
			err:  ErrProtocol("client_credentials", 400, "invalid_grant", "grant revoked", nil),
			want: "protocol: grant revoked (invalid_grant)",
		},
		{
			name: "with wrapped cause",
			err:  ErrTransport("refresh_token", errors.New("connection refused")),
			want: "transport: token endpoint unreachable: connection refused",
		},
		{
			name: "description only",
			err:  ErrConfig("client id is required"),
			want: "config: client id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlowError_Retryable(t *testing.T) {
	if !ErrTransport("client_credentials", errors.New("timeout")).Retryable() {
		t.Error("transport errors must be retryable")
	}
	for _, err := range []*FlowError{
		ErrConfig("bad"),
		ErrProtocol("password", 400, "invalid_grant", "", nil),
		ErrMalformedResponse("password", "empty access_token", 200, nil, nil),
		ErrUnknownState("no such state"),
		ErrOwnership("foreign state"),
	} {
		if err.Retryable() {
			t.Errorf("%s errors must not be retryable", err.Kind)
		}
	}
}

func TestFlowError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := ErrTransport("client_credentials", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is() should match the wrapped cause")
	}

	wrapped := fmt.Errorf("fetching token: %w", err)
	var fe *FlowError
	if !errors.As(wrapped, &fe) || fe.Kind != KindTransport {
		t.Error("errors.As() should find the FlowError through wrapping")
	}
}

func TestFlowError_KindHelpers(t *testing.T) {
	if !IsStateError(ErrUnknownState("gone")) {
		t.Error("IsStateError() missed a state error")
	}
	if !IsTransportError(ErrTransport("", errors.New("x"))) {
		t.Error("IsTransportError() missed a transport error")
	}
	if !IsProtocolError(ErrProtocol("", 401, "invalid_client", "", nil)) {
		t.Error("IsProtocolError() missed a protocol error")
	}
	if !IsKind(ErrOwnership("foreign"), KindSecurity) {
		t.Error("IsKind() missed a security error")
	}
	if IsKind(errors.New("plain"), KindTransport) {
		t.Error("IsKind() matched a non-FlowError")
	}
	if IsStateError(nil) {
		t.Error("IsStateError(nil) should be false")
	}
}

func TestErrProtocol_DefaultDescription(t *testing.T) {
	err := ErrProtocol("client_credentials", 503, "", "", []byte("<html>gateway</html>"))
	if !strings.Contains(err.Error(), "rejected") {
		t.Errorf("Error() = %q, want a default description", err.Error())
	}
	if err.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", err.StatusCode)
	}
	if string(err.Body) != "<html>gateway</html>" {
		t.Error("raw body not preserved")
	}
}
