package oauth2client

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/kalamuna/oauth2-client/storage"
)

// TokenSource adapts the client to the golang.org/x/oauth2 ecosystem so its
// tokens can feed oauth2.NewClient, gRPC credentials, and anything else that
// consumes an oauth2.TokenSource. Only the direct flows fit the interface:
// an authorization-code suspension has no token to hand back, so it surfaces
// as a state-kind error telling the caller to drive the redirect dance
// through GetAccessToken and ResumeFromCallback instead.
//
// Wrap with oauth2.ReuseTokenSource for per-process caching on top of the
// engine's own storage-backed reuse.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &clientTokenSource{ctx: ctx, client: c}
}

type clientTokenSource struct {
	ctx    context.Context
	client *Client
}

func (s *clientTokenSource) Token() (*oauth2.Token, error) {
	result, err := s.client.GetAccessToken(s.ctx)
	if err != nil {
		return nil, err
	}
	if result.Kind != ResultToken {
		return nil, ErrUnknownState("flow requires user authorization; complete it via ResumeFromCallback")
	}

	// The freshest stored record carries expiry and refresh token; the
	// Result deliberately exposes only the access token.
	record, err := s.client.tokens.GetToken(s.ctx, s.client.identity)
	if err != nil {
		return &oauth2.Token{AccessToken: result.AccessToken, TokenType: result.TokenType}, nil
	}
	return recordToToken(record), nil
}

// recordToToken converts a stored record to the x/oauth2 representation.
func recordToToken(r *storage.TokenRecord) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		Expiry:       r.Expiry,
	}
}

// tokenToRecord converts an x/oauth2 token to the stored representation.
func tokenToRecord(t *oauth2.Token) *storage.TokenRecord {
	return &storage.TokenRecord{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
}

// ImportToken seeds the store with an externally obtained token, for example
// one minted by an operator tool or migrated from another system. Subsequent
// GetAccessToken calls reuse and refresh it like any engine-issued token.
func (c *Client) ImportToken(ctx context.Context, t *oauth2.Token) error {
	if t == nil || t.AccessToken == "" {
		return ErrConfig("imported token must carry an access token")
	}
	return c.tokens.SaveToken(ctx, c.identity, tokenToRecord(t))
}
