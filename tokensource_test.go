package oauth2client

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/kalamuna/oauth2-client/internal/testutil"
)

func TestTokenSource_DirectFlow(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()
	te.RespondWithToken("client_credentials", "access-ts", 3600, map[string]any{"refresh_token": "refresh-ts"})

	client, _ := newTestClient(t, testConfig(te.URL()))

	ts := client.TokenSource(context.Background())
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "access-ts" {
		t.Errorf("AccessToken = %q, want access-ts", tok.AccessToken)
	}
	if tok.RefreshToken != "refresh-ts" {
		t.Errorf("RefreshToken = %q, want the stored refresh token", tok.RefreshToken)
	}
	if tok.Expiry.IsZero() {
		t.Error("Expiry not populated from the stored record")
	}
	if !tok.Valid() {
		t.Error("token should be valid for the oauth2 package")
	}

	// A second pull reuses storage, no extra endpoint traffic.
	if _, err := ts.Token(); err != nil {
		t.Fatalf("second Token() error = %v", err)
	}
	if got := te.CallCount(""); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}
}

func TestTokenSource_AuthorizationCodeNeedsResume(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()

	client, _ := newTestClient(t, testAuthCodeConfig(te.URL()))

	_, err := client.TokenSource(context.Background()).Token()
	if !IsStateError(err) {
		t.Errorf("Token() error = %v, want state error for a suspended flow", err)
	}
}

func TestClient_ImportToken(t *testing.T) {
	te := testutil.NewTokenEndpoint()
	defer te.Close()

	client, _ := newTestClient(t, testConfig(te.URL()))
	ctx := context.Background()

	err := client.ImportToken(ctx, &oauth2.Token{
		AccessToken: "imported-1",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("ImportToken() error = %v", err)
	}

	result, err := client.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if result.AccessToken != "imported-1" {
		t.Errorf("AccessToken = %q, want the imported token", result.AccessToken)
	}
	if got := te.CallCount(""); got != 0 {
		t.Errorf("token endpoint calls = %d, want 0", got)
	}
}

func TestClient_ImportToken_Invalid(t *testing.T) {
	client, _ := newTestClient(t, testConfig("https://issuer.example.com/token"))
	ctx := context.Background()

	if err := client.ImportToken(ctx, nil); !IsKind(err, KindConfig) {
		t.Error("ImportToken(nil) should fail with a config error")
	}
	if err := client.ImportToken(ctx, &oauth2.Token{}); !IsKind(err, KindConfig) {
		t.Error("ImportToken() without access token should fail with a config error")
	}
}
