package oauth2client

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalamuna/oauth2-client/security"
)

// Flow identifies the OAuth2 grant used to obtain a token when no stored
// token can be reused or refreshed.
type Flow string

const (
	// FlowAuthorizationCode obtains tokens through the redirect-based
	// authorization-code grant. Requires AuthURL and RedirectURL.
	FlowAuthorizationCode Flow = "authorization_code"

	// FlowClientCredentials obtains tokens directly with the client's own
	// credentials.
	FlowClientCredentials Flow = "client_credentials"

	// FlowPassword obtains tokens with a resource owner's username and
	// password. Requires Username and Password.
	FlowPassword Flow = "password"
)

// Default tunables.
const (
	// DefaultPendingTTL bounds how long an unconsumed pending redirect may
	// linger before the registry expires it.
	DefaultPendingTTL = 10 * time.Minute

	// DefaultHTTPTimeout is applied to the built-in HTTP client when the
	// caller does not supply one. Individual calls are further bounded by
	// the caller's context.
	DefaultHTTPTimeout = 30 * time.Second
)

// Config holds the client engine configuration.
// Immutable after NewClient; validation happens at construction, not at call
// time, so an unsupported flow or missing endpoint fails fast.
type Config struct {
	// Flow selects the grant used for full (re-)authorization (required).
	Flow Flow

	// ClientID and ClientSecret authenticate the client at the token
	// endpoint via HTTP Basic (required).
	ClientID     string
	ClientSecret string

	// TokenURL is the token endpoint (required).
	TokenURL string

	// AuthURL is the authorization endpoint. Required for FlowAuthorizationCode.
	AuthURL string

	// RedirectURL is where the authorization server sends the user agent
	// back. Required for FlowAuthorizationCode.
	RedirectURL string

	// ReturnTo is the destination the user agent should finally land on once
	// an authorization-code flow completes. Defaults to RedirectURL.
	ReturnTo string

	// Scope is the requested scope, space-separated. Omitted from requests
	// when empty.
	Scope string

	// Username and Password are the resource owner's credentials.
	// Required for FlowPassword.
	Username string
	Password string

	// Identity overrides the derived client identity. When empty, the
	// identity is a hash of (TokenURL, ClientID, Flow), so repeated
	// constructions with the same endpoints address the same stored token.
	Identity string

	// FreshnessMargin is how far ahead of expiry a stored token is still
	// returned without a network call. Default: 10s.
	FreshnessMargin time.Duration

	// PendingTTL bounds the lifetime of unconsumed pending redirects.
	// Default: 10 minutes.
	PendingTTL time.Duration

	// StrictOwnership makes callbacks whose state belongs to another
	// consumer of the shared registry fail with a security error instead of
	// being forwarded to that owner's destination.
	StrictOwnership bool

	// RequestsPerSecond and Burst bound calls to the token endpoint per
	// client identity. Zero disables the limiter.
	RequestsPerSecond int
	Burst             int

	// HTTPClient performs token endpoint requests. If nil, a client with
	// DefaultHTTPTimeout is used.
	HTTPClient *http.Client

	// Logger for structured logging (optional, uses slog.Default if not provided)
	Logger *slog.Logger

	// Clock returns the current instant. Defaults to time.Now; tests inject
	// a mock clock. Expiry computation and freshness checks use only this.
	Clock func() time.Time
}

// Validate checks the configuration. Returns a config-kind *FlowError
// describing the first problem found.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return ErrConfig("client id is required")
	}
	if c.ClientSecret == "" {
		return ErrConfig("client secret is required")
	}
	if c.TokenURL == "" {
		return ErrConfig("token endpoint is required")
	}

	switch c.Flow {
	case FlowClientCredentials:
	case FlowPassword:
		if c.Username == "" || c.Password == "" {
			return ErrConfig("username and password are required for the password flow")
		}
	case FlowAuthorizationCode:
		if c.AuthURL == "" {
			return ErrConfig("authorization endpoint is required for the authorization-code flow")
		}
		if c.RedirectURL == "" {
			return ErrConfig("redirect URL is required for the authorization-code flow")
		}
	case "":
		return ErrConfig("flow is required")
	default:
		return ErrConfig("unsupported flow: " + string(c.Flow))
	}

	return nil
}

// identity returns the caller-supplied identity or derives a stable one from
// the endpoint, client id, and flow.
func (c *Config) identity() string {
	if c.Identity != "" {
		return c.Identity
	}
	h := sha256.New()
	h.Write([]byte(c.TokenURL))
	h.Write([]byte{'\n'})
	h.Write([]byte(c.ClientID))
	h.Write([]byte{'\n'})
	h.Write([]byte(c.Flow))
	return hex.EncodeToString(h.Sum(nil))
}

// withDefaults fills zero-valued tunables. Returns a copy; the caller's
// Config is never mutated.
func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.FreshnessMargin <= 0 {
		cfg.FreshnessMargin = security.DefaultFreshnessMargin
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.ReturnTo == "" {
		cfg.ReturnTo = cfg.RedirectURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &cfg
}
