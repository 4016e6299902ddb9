package oauth2client

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kalamuna/oauth2-client/internal/testutil"
	"github.com/kalamuna/oauth2-client/storage"
	"github.com/kalamuna/oauth2-client/storage/memory"
	"github.com/kalamuna/oauth2-client/storage/mock"
)

func testConfig(endpointURL string) *Config {
	return &Config{
		Flow:         FlowClientCredentials,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		TokenURL:     endpointURL,
		Scope:        "read write",
	}
}

func testAuthCodeConfig(endpointURL string) *Config {
	return &Config{
		Flow:         FlowAuthorizationCode,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		TokenURL:     endpointURL,
		AuthURL:      "https://auth.example.com/authorize",
		RedirectURL:  "https://app.example.com/callback",
		ReturnTo:     "https://app.example.com/dashboard",
	}
}

func newTestClient(t *testing.T, cfg *Config) (*Client, *memory.Store) {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	client, err := NewClient(cfg, store, store)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client, store
}

// ============================================================
// Lifecycle: reuse, refresh, full authorization
// ============================================================

func TestClient_ClientCredentials_FetchThenReuse(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("client_credentials", "access-1", 3600, nil)

	client, _ := newTestClient(t, testConfig(te.URL()))
	ctx := context.Background()

	result, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if result.Kind != ResultToken {
		t.Fatalf("Kind = %q, want %q", result.Kind, ResultToken)
	}
	if result.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q, want %q", result.AccessToken, "access-1")
	}

	// Second call must be served from storage with no network traffic.
	result, err = client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("second GetAccessToken() error = %v", err)
	}
	if result.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q, want %q", result.AccessToken, "access-1")
	}
	if got := te.CallCount(""); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}
}

func TestClient_SendsBasicAuthAndScope(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("client_credentials", "access-1", 3600, nil)

	client, _ := newTestClient(t, testConfig(te.URL()))

	if _, err := client.GetAccessToken(context.Background()); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	calls := te.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if !call.BasicOK || call.ClientID != "client-1" || call.Secret != "secret-1" {
		t.Errorf("basic auth = (%q, %q, %v), want (client-1, secret-1, true)", call.ClientID, call.Secret, call.BasicOK)
	}
	if call.Form["scope"] != "read write" {
		t.Errorf("scope = %q, want %q", call.Form["scope"], "read write")
	}
}

func TestClient_ScopeOmittedWhenEmpty(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("client_credentials", "access-1", 3600, nil)

	cfg := testConfig(te.URL())
	cfg.Scope = ""
	client, _ := newTestClient(t, cfg)

	if _, err := client.GetAccessToken(context.Background()); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	if _, present := te.Calls()[0].Form["scope"]; present {
		t.Error("scope parameter sent despite empty configured scope")
	}
}

func TestClient_PasswordFlow(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("password", "access-pw", 3600, nil)

	cfg := testConfig(te.URL())
	cfg.Flow = FlowPassword
	cfg.Username = "alice"
	cfg.Password = "s3cret"
	client, _ := newTestClient(t, cfg)

	result, err := client.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if result.AccessToken != "access-pw" {
		t.Errorf("AccessToken = %q, want %q", result.AccessToken, "access-pw")
	}

	call := te.Calls()[0]
	if call.Form["username"] != "alice" || call.Form["password"] != "s3cret" {
		t.Errorf("credentials = (%q, %q), want (alice, s3cret)", call.Form["username"], call.Form["password"])
	}
}

func TestClient_RefreshBeforeReauthorize(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("refresh_token", "access-2", 3600, map[string]any{"refresh_token": "refresh-2"})

	client, store := newTestClient(t, testConfig(te.URL()))
	ctx := context.Background()

	// Seed an expired record carrying a refresh token.
	seed := &storage.TokenRecord{
		AccessToken:  "access-1",
		TokenType:    "Bearer",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Minute),
	}
	if err := store.SaveToken(ctx, client.Identity(), seed); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	result, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if result.AccessToken != "access-2" {
		t.Errorf("AccessToken = %q, want %q", result.AccessToken, "access-2")
	}
	if got := te.CallCount("refresh_token"); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := te.CallCount("client_credentials"); got != 0 {
		t.Errorf("client_credentials calls = %d, want 0", got)
	}
	if te.Calls()[0].Form["refresh_token"] != "refresh-1" {
		t.Errorf("refresh_token = %q, want refresh-1", te.Calls()[0].Form["refresh_token"])
	}

	// The rotated refresh token must be stored.
	record, err := store.GetToken(ctx, client.Identity())
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if record.RefreshToken != "refresh-2" {
		t.Errorf("stored RefreshToken = %q, want refresh-2", record.RefreshToken)
	}
}

func TestClient_RefreshKeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	// Response omits refresh_token: the server does not rotate.
	te.RespondWithToken("refresh_token", "access-2", 3600, nil)

	client, store := newTestClient(t, testConfig(te.URL()))
	ctx := context.Background()

	seed := &storage.TokenRecord{
		AccessToken:  "access-1",
		TokenType:    "Bearer",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Minute),
	}
	if err := store.SaveToken(ctx, client.Identity(), seed); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	if _, err := client.GetAccessToken(ctx); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	record, err := store.GetToken(ctx, client.Identity())
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if record.RefreshToken != "refresh-1" {
		t.Errorf("stored RefreshToken = %q, want the retained refresh-1", record.RefreshToken)
	}
}

func TestClient_RefreshRejectedFallsBackExactlyOnce(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithError("refresh_token", 400, "invalid_grant", "refresh token revoked")
	te.RespondWithToken("client_credentials", "access-new", 3600, nil)

	client, store := newTestClient(t, testConfig(te.URL()))
	ctx := context.Background()

	seed := &storage.TokenRecord{
		AccessToken:  "access-old",
		TokenType:    "Bearer",
		RefreshToken: "refresh-dead",
		Expiry:       time.Now().Add(-time.Minute),
	}
	if err := store.SaveToken(ctx, client.Identity(), seed); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	result, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if result.AccessToken != "access-new" {
		t.Errorf("AccessToken = %q, want access-new", result.AccessToken)
	}
	if got := te.CallCount("refresh_token"); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := te.CallCount("client_credentials"); got != 1 {
		t.Errorf("fallback calls = %d, want exactly 1", got)
	}
}

func TestClient_RefreshAndFallbackBothRejected(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithError("refresh_token", 400, "invalid_grant", "refresh token revoked")
	te.RespondWithError("client_credentials", 401, "invalid_client", "client disabled")

	client, store := newTestClient(t, testConfig(te.URL()))
	ctx := context.Background()

	seed := &storage.TokenRecord{
		AccessToken:  "access-old",
		TokenType:    "Bearer",
		RefreshToken: "refresh-dead",
		Expiry:       time.Now().Add(-time.Minute),
	}
	if err := store.SaveToken(ctx, client.Identity(), seed); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	_, err := client.GetAccessToken(ctx)
	if !IsProtocolError(err) {
		t.Fatalf("GetAccessToken() error = %v, want protocol error", err)
	}
	// No second fallback attempt.
	if got := te.CallCount("client_credentials"); got != 1 {
		t.Errorf("fallback calls = %d, want 1", got)
	}
	var fe *FlowError
	if !errors.As(err, &fe) || fe.OAuthCode != "invalid_client" {
		t.Errorf("OAuthCode = %v, want invalid_client", err)
	}
}

func TestClient_RefreshTransportFailureSurfaces(t *testing.T) {
	// Unreachable endpoint: the refresh must fail in transit and surface as
	// retryable without consuming the stored grant or falling back.
	client, store := newTestClient(t, testConfig("http://127.0.0.1:1"))
	ctx := context.Background()

	seed := &storage.TokenRecord{
		AccessToken:  "access-old",
		TokenType:    "Bearer",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Minute),
	}
	if err := store.SaveToken(ctx, client.Identity(), seed); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	_, err := client.GetAccessToken(ctx)
	if !IsTransportError(err) {
		t.Fatalf("GetAccessToken() error = %v, want transport error", err)
	}
	var fe *FlowError
	if !errors.As(err, &fe) || !fe.Retryable() {
		t.Error("transport error should be retryable")
	}

	// The refresh token must survive for the retry.
	record, err := store.GetToken(ctx, client.Identity())
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if record.RefreshToken != "refresh-1" {
		t.Errorf("stored RefreshToken = %q, want refresh-1", record.RefreshToken)
	}
}

func TestClient_FreshnessMargin(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("refresh_token", "access-2", 3600, nil)

	clock := testutil.NewMockClock(time.Now())
	cfg := testConfig(te.URL())
	cfg.Clock = clock.Now
	client, store := newTestClient(t, cfg)
	ctx := context.Background()

	// Expires 5s from now: inside the 10s freshness margin, so the stored
	// token must not be reused even though it is not yet expired.
	seed := &storage.TokenRecord{
		AccessToken:  "access-1",
		TokenType:    "Bearer",
		RefreshToken: "refresh-1",
		Expiry:       clock.Now().Add(5 * time.Second),
	}
	if err := store.SaveToken(ctx, client.Identity(), seed); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	result, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if result.AccessToken != "access-2" {
		t.Errorf("AccessToken = %q, want the refreshed access-2", result.AccessToken)
	}
	if got := te.CallCount("refresh_token"); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestClient_ExpiryComputedFromClock(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("client_credentials", "access-1", 120, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewMockClock(base)
	cfg := testConfig(te.URL())
	cfg.Clock = clock.Now
	client, store := newTestClient(t, cfg)
	ctx := context.Background()

	if _, err := client.GetAccessToken(ctx); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	record, err := store.GetToken(ctx, client.Identity())
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	want := base.Add(120 * time.Second)
	if !record.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", record.Expiry, want)
	}
}

// ============================================================
// Identity
// ============================================================

func TestClient_IdentityStability(t *testing.T) {
	cfgA := testConfig("https://issuer.example.com/token")
	cfgB := testConfig("https://issuer.example.com/token")

	store := memory.NewWithInterval(time.Hour)
	defer store.Stop()

	a, err := NewClient(cfgA, store, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer a.Close()
	b, err := NewClient(cfgB, store, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer b.Close()

	if a.Identity() != b.Identity() {
		t.Error("same endpoint, client id, and flow should derive the same identity")
	}

	cfgC := testConfig("https://issuer.example.com/token")
	cfgC.Flow = FlowPassword
	cfgC.Username = "alice"
	cfgC.Password = "pw"
	c, err := NewClient(cfgC, store, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()

	if a.Identity() == c.Identity() {
		t.Error("different flows must derive different identities")
	}
}

func TestClient_IdentityOverride(t *testing.T) {
	cfg := testConfig("https://issuer.example.com/token")
	cfg.Identity = "tenant-42"

	store := memory.NewWithInterval(time.Hour)
	defer store.Stop()

	client, err := NewClient(cfg, store, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	if client.Identity() != "tenant-42" {
		t.Errorf("Identity() = %q, want tenant-42", client.Identity())
	}
}

// ============================================================
// Authorization-code flow: suspend and resume
// ============================================================

func TestClient_AuthorizationCode_Suspend(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()

	client, store := newTestClient(t, testAuthCodeConfig(te.URL()))
	ctx := context.Background()

	result, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if result.Kind != ResultSuspend {
		t.Fatalf("Kind = %q, want %q", result.Kind, ResultSuspend)
	}
	if result.State == "" {
		t.Fatal("Suspend result carries no state token")
	}

	u, err := url.Parse(result.AuthorizationURL)
	if err != nil {
		t.Fatalf("AuthorizationURL unparseable: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q, want code", q.Get("response_type"))
	}
	if q.Get("client_id") != "client-1" {
		t.Errorf("client_id = %q, want client-1", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != "https://app.example.com/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("state") != result.State {
		t.Errorf("state in URL = %q, want %q", q.Get("state"), result.State)
	}

	// The pending redirect is registered as self-owned.
	entry, err := store.GetRedirect(ctx, result.State)
	if err != nil {
		t.Fatalf("GetRedirect() error = %v", err)
	}
	if entry.Owner != storage.OwnerSelf {
		t.Errorf("Owner = %q, want %q", entry.Owner, storage.OwnerSelf)
	}
	if entry.Destination != "https://app.example.com/dashboard" {
		t.Errorf("Destination = %q, want the configured ReturnTo", entry.Destination)
	}

	// No token request yet: suspension is not an exchange.
	if got := te.CallCount(""); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

func TestClient_AuthorizationCode_SuspendStatesAreUnique(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()

	client, _ := newTestClient(t, testAuthCodeConfig(te.URL()))
	ctx := context.Background()

	first, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	second, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("second GetAccessToken() error = %v", err)
	}
	if first.State == second.State {
		t.Error("two flow starts produced the same state token")
	}
}

func TestClient_ResumeFromCallback_Success(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("authorization_code", "access-ac", 3600, map[string]any{"refresh_token": "refresh-ac"})

	client, _ := newTestClient(t, testAuthCodeConfig(te.URL()))
	ctx := context.Background()

	suspend, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	params := url.Values{
		"code":  {"auth-code-1"},
		"state": {suspend.State},
		"hint":  {"from-upstream"},
	}
	cb, ok := ParseCallback(params)
	if !ok {
		t.Fatal("ParseCallback() rejected a valid callback")
	}

	result, err := client.ResumeFromCallback(ctx, cb)
	if err != nil {
		t.Fatalf("ResumeFromCallback() error = %v", err)
	}
	if result.Kind != ResultToken {
		t.Fatalf("Kind = %q, want %q", result.Kind, ResultToken)
	}
	if result.AccessToken != "access-ac" {
		t.Errorf("AccessToken = %q, want access-ac", result.AccessToken)
	}

	// Exchange carried the code and redirect_uri.
	call := te.Calls()[0]
	if call.Form["code"] != "auth-code-1" {
		t.Errorf("code = %q, want auth-code-1", call.Form["code"])
	}
	if call.Form["redirect_uri"] != "https://app.example.com/callback" {
		t.Errorf("redirect_uri = %q", call.Form["redirect_uri"])
	}

	// Cleanup destination strips protocol params, forwards the rest.
	u, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("RedirectURL unparseable: %v", err)
	}
	if !strings.HasPrefix(result.RedirectURL, "https://app.example.com/dashboard") {
		t.Errorf("RedirectURL = %q, want the ReturnTo destination", result.RedirectURL)
	}
	q := u.Query()
	if q.Has("code") || q.Has("state") {
		t.Error("cleanup redirect leaked code or state")
	}
	if q.Get("hint") != "from-upstream" {
		t.Errorf("hint = %q, want from-upstream", q.Get("hint"))
	}

	// The token is now stored: a follow-up request reuses it.
	again, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() after resume error = %v", err)
	}
	if again.Kind != ResultToken || again.AccessToken != "access-ac" {
		t.Errorf("follow-up = (%q, %q), want stored access-ac", again.Kind, again.AccessToken)
	}
}

func TestClient_ResumeFromCallback_StateIsSingleUse(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("authorization_code", "access-ac", 3600, nil)

	client, _ := newTestClient(t, testAuthCodeConfig(te.URL()))
	ctx := context.Background()

	suspend, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	cb := &Callback{Code: "auth-code-1", State: suspend.State, Params: url.Values{"code": {"auth-code-1"}, "state": {suspend.State}}}
	if _, err := client.ResumeFromCallback(ctx, cb); err != nil {
		t.Fatalf("ResumeFromCallback() error = %v", err)
	}

	// Replay: the state was consumed.
	_, err = client.ResumeFromCallback(ctx, cb)
	if !IsStateError(err) {
		t.Errorf("replayed ResumeFromCallback() error = %v, want state error", err)
	}
}

func TestClient_ResumeFromCallback_UnknownState(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()

	client, _ := newTestClient(t, testAuthCodeConfig(te.URL()))

	cb := &Callback{Code: "code", State: "forged-state", Params: url.Values{"code": {"code"}, "state": {"forged-state"}}}
	_, err := client.ResumeFromCallback(context.Background(), cb)
	if !IsStateError(err) {
		t.Errorf("ResumeFromCallback() error = %v, want state error", err)
	}
	// No exchange was attempted for an unknown state.
	if got := te.CallCount(""); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

func TestClient_ResumeFromCallback_FailedExchangeConsumesState(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithError("authorization_code", 400, "invalid_grant", "code expired")

	client, _ := newTestClient(t, testAuthCodeConfig(te.URL()))
	ctx := context.Background()

	suspend, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	cb := &Callback{Code: "bad-code", State: suspend.State, Params: url.Values{"code": {"bad-code"}, "state": {suspend.State}}}
	_, err = client.ResumeFromCallback(ctx, cb)
	if !IsProtocolError(err) {
		t.Fatalf("ResumeFromCallback() error = %v, want protocol error", err)
	}

	// The entry stays consumed; the flow must restart from the top.
	_, err = client.ResumeFromCallback(ctx, cb)
	if !IsStateError(err) {
		t.Errorf("retry after failed exchange error = %v, want state error", err)
	}
}

func TestClient_ResumeFromCallback_AuthorizationDenied(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()

	client, _ := newTestClient(t, testAuthCodeConfig(te.URL()))
	ctx := context.Background()

	suspend, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	cb := &Callback{
		State: suspend.State,
		Params: url.Values{
			"state":             {suspend.State},
			"error":             {"access_denied"},
			"error_description": {"user said no"},
		},
	}
	_, err = client.ResumeFromCallback(ctx, cb)
	if !IsProtocolError(err) {
		t.Fatalf("ResumeFromCallback() error = %v, want protocol error", err)
	}
	var fe *FlowError
	if !errors.As(err, &fe) || fe.OAuthCode != "access_denied" {
		t.Errorf("OAuthCode = %v, want access_denied", err)
	}
	// No exchange was attempted for a denial.
	if got := te.CallCount(""); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

// ============================================================
// Shared registry: external owners
// ============================================================

func TestClient_ResumeFromCallback_ExternalOwnerDefers(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()

	client, store := newTestClient(t, testAuthCodeConfig(te.URL()))
	ctx := context.Background()

	state := testutil.GenerateRandomString(32)
	entry := &storage.PendingRedirect{
		Destination: "https://other.example.com/oauth/callback",
		Owner:       storage.OwnerExternal,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
	if err := store.SaveRedirect(ctx, state, entry); err != nil {
		t.Fatalf("SaveRedirect() error = %v", err)
	}

	cb := &Callback{Code: "their-code", State: state, Params: url.Values{"code": {"their-code"}, "state": {state}}}
	result, err := client.ResumeFromCallback(ctx, cb)
	if err != nil {
		t.Fatalf("ResumeFromCallback() error = %v", err)
	}
	if result.Kind != ResultDeferred {
		t.Fatalf("Kind = %q, want %q", result.Kind, ResultDeferred)
	}

	// Everything, code and state included, is forwarded untouched.
	u, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("RedirectURL unparseable: %v", err)
	}
	q := u.Query()
	if q.Get("code") != "their-code" || q.Get("state") != state {
		t.Errorf("forwarded params = %v, want code and state preserved", q)
	}

	// The entry survives for its owner, and no exchange was attempted.
	if _, err := store.GetRedirect(ctx, state); err != nil {
		t.Errorf("external entry consumed: %v", err)
	}
	if got := te.CallCount(""); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

func TestClient_ResumeFromCallback_StrictOwnership(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()

	cfg := testAuthCodeConfig(te.URL())
	cfg.StrictOwnership = true
	client, store := newTestClient(t, cfg)
	ctx := context.Background()

	state := testutil.GenerateRandomString(32)
	entry := &storage.PendingRedirect{
		Destination: "https://other.example.com/oauth/callback",
		Owner:       storage.OwnerExternal,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
	if err := store.SaveRedirect(ctx, state, entry); err != nil {
		t.Fatalf("SaveRedirect() error = %v", err)
	}

	cb := &Callback{Code: "their-code", State: state, Params: url.Values{"code": {"their-code"}, "state": {state}}}
	_, err := client.ResumeFromCallback(ctx, cb)
	if !IsKind(err, KindSecurity) {
		t.Errorf("ResumeFromCallback() error = %v, want security error", err)
	}

	// Even under strict mode the entry is not consumed.
	if _, err := store.GetRedirect(ctx, state); err != nil {
		t.Errorf("external entry consumed under strict ownership: %v", err)
	}
}

// ============================================================
// Construction
// ============================================================

func TestNewClient_Validation(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	defer store.Stop()

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"missing client id", &Config{Flow: FlowClientCredentials, ClientSecret: "s", TokenURL: "https://t"}},
		{"missing secret", &Config{Flow: FlowClientCredentials, ClientID: "c", TokenURL: "https://t"}},
		{"missing token URL", &Config{Flow: FlowClientCredentials, ClientID: "c", ClientSecret: "s"}},
		{"missing flow", &Config{ClientID: "c", ClientSecret: "s", TokenURL: "https://t"}},
		{"unsupported flow", &Config{Flow: "implicit", ClientID: "c", ClientSecret: "s", TokenURL: "https://t"}},
		{"password without credentials", &Config{Flow: FlowPassword, ClientID: "c", ClientSecret: "s", TokenURL: "https://t"}},
		{"auth code without auth URL", &Config{Flow: FlowAuthorizationCode, ClientID: "c", ClientSecret: "s", TokenURL: "https://t", RedirectURL: "https://r"}},
		{"auth code without redirect URL", &Config{Flow: FlowAuthorizationCode, ClientID: "c", ClientSecret: "s", TokenURL: "https://t", AuthURL: "https://a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg, store, store)
			if !IsKind(err, KindConfig) {
				t.Errorf("NewClient() error = %v, want config error", err)
			}
		})
	}
}

func TestNewClient_NilStores(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	defer store.Stop()

	if _, err := NewClient(testConfig("https://t"), nil, nil); !IsKind(err, KindConfig) {
		t.Error("NewClient() without token store should fail with config error")
	}

	cfg := testAuthCodeConfig("https://t")
	if _, err := NewClient(cfg, store, nil); !IsKind(err, KindConfig) {
		t.Error("NewClient() for auth code flow without registry should fail with config error")
	}

	// Direct flows do not need the registry.
	if _, err := NewClient(testConfig("https://t"), store, nil); err != nil {
		t.Errorf("NewClient() for direct flow without registry error = %v", err)
	}
}

// ============================================================
// Storage failure propagation
// ============================================================

func TestClient_StorageFailureSurfacesAsTransport(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("client_credentials", "access-1", 3600, nil)

	tokens := mock.NewMockTokenStore()
	tokens.GetTokenFunc = func(identity string) (*storage.TokenRecord, error) {
		return nil, errors.New("backend unavailable")
	}

	client, err := NewClient(testConfig(te.URL()), tokens, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	_, err = client.GetAccessToken(context.Background())
	if !IsTransportError(err) {
		t.Errorf("GetAccessToken() error = %v, want transport error", err)
	}
}
