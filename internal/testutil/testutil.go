// Package testutil provides testing utilities and helpers for the oauth2-client library.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/kalamuna/oauth2-client/storage"
)

// MockClock provides a controllable time source for deterministic testing.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a new mock clock starting at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the current mock time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString returns n random bytes encoded as base64url.
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateTestRecord creates a token record valid for one hour.
func GenerateTestRecord() *storage.TokenRecord {
	return GenerateTestRecordWithExpiry(time.Now().Add(time.Hour))
}

// GenerateTestRecordWithExpiry creates a token record with a specific expiry.
func GenerateTestRecordWithExpiry(expiry time.Time) *storage.TokenRecord {
	return &storage.TokenRecord{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		RefreshToken: GenerateRandomString(32),
		Expiry:       expiry,
	}
}

// TokenEndpointCall captures one request seen by the fake token endpoint.
type TokenEndpointCall struct {
	GrantType string
	Form      map[string]string
	ClientID  string
	Secret    string
	BasicOK   bool
}

// TokenEndpoint is a fake OAuth2 token endpoint backed by httptest.
// Responses are scripted per grant type; unscripted grants get a 400
// invalid_grant error body.
type TokenEndpoint struct {
	Server *httptest.Server

	mu        sync.Mutex
	calls     []TokenEndpointCall
	responses map[string]tokenEndpointResponse
}

type tokenEndpointResponse struct {
	status int
	body   string
}

// NewTokenEndpoint starts a fake token endpoint. Callers must Close it.
func NewTokenEndpoint() *TokenEndpoint {
	te := &TokenEndpoint{
		responses: make(map[string]tokenEndpointResponse),
	}
	te.Server = httptest.NewServer(http.HandlerFunc(te.handle))
	return te
}

// Close shuts the endpoint down.
func (te *TokenEndpoint) Close() {
	te.Server.Close()
}

// URL returns the endpoint URL.
func (te *TokenEndpoint) URL() string {
	return te.Server.URL
}

// RespondWithToken scripts a successful JSON token response for a grant type.
func (te *TokenEndpoint) RespondWithToken(grantType, accessToken string, expiresIn int, extra map[string]any) {
	body := map[string]any{
		"access_token": accessToken,
		"token_type":   "bearer",
		"expires_in":   expiresIn,
	}
	for k, v := range extra {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	te.setResponse(grantType, http.StatusOK, string(data))
}

// RespondWithError scripts an OAuth error response for a grant type.
func (te *TokenEndpoint) RespondWithError(grantType string, status int, code, description string) {
	data, err := json.Marshal(map[string]string{
		"error":             code,
		"error_description": description,
	})
	if err != nil {
		panic(err)
	}
	te.setResponse(grantType, status, string(data))
}

// RespondWithRaw scripts an arbitrary response body for a grant type,
// e.g. non-JSON garbage to exercise malformed-response handling.
func (te *TokenEndpoint) RespondWithRaw(grantType string, status int, body string) {
	te.setResponse(grantType, status, body)
}

func (te *TokenEndpoint) setResponse(grantType string, status int, body string) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.responses[grantType] = tokenEndpointResponse{status: status, body: body}
}

// Calls returns a copy of all requests seen so far.
func (te *TokenEndpoint) Calls() []TokenEndpointCall {
	te.mu.Lock()
	defer te.mu.Unlock()
	out := make([]TokenEndpointCall, len(te.calls))
	copy(out, te.calls)
	return out
}

// CallCount returns the number of requests for the given grant type.
// An empty grantType counts all requests.
func (te *TokenEndpoint) CallCount(grantType string) int {
	te.mu.Lock()
	defer te.mu.Unlock()
	if grantType == "" {
		return len(te.calls)
	}
	n := 0
	for _, c := range te.calls {
		if c.GrantType == grantType {
			n++
		}
	}
	return n
}

func (te *TokenEndpoint) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	call := TokenEndpointCall{
		GrantType: r.PostForm.Get("grant_type"),
		Form:      make(map[string]string),
	}
	for k := range r.PostForm {
		call.Form[k] = r.PostForm.Get(k)
	}
	call.ClientID, call.Secret, call.BasicOK = r.BasicAuth()

	te.mu.Lock()
	te.calls = append(te.calls, call)
	resp, ok := te.responses[call.GrantType]
	te.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"grant not scripted"}`))
		return
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}
