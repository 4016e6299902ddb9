// Package oauth2client implements a client-side OAuth2 engine that turns
// "give me a usable access token" into at most one network round trip: a
// stored fresh token is returned as-is, an expired one with a refresh token
// is refreshed, and only when both fail does the engine fall back to a full
// authorization for the configured flow.
//
// For the redirect-based authorization-code flow the engine never drives the
// user agent itself. GetAccessToken returns a Suspend result carrying the
// authorization URL and an opaque state token; the host redirects, and a
// later, possibly different process resumes the flow by feeding the callback
// parameters to ResumeFromCallback. All continuation data lives in the
// RedirectRegistry, so resumption works across stateless invocations.
package oauth2client

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/kalamuna/oauth2-client/instrumentation"
	"github.com/kalamuna/oauth2-client/internal/util"
	"github.com/kalamuna/oauth2-client/security"
	"github.com/kalamuna/oauth2-client/storage"
)

// Client is the token lifecycle engine for a single client/endpoint/flow
// triple. It is safe for concurrent use; all persistent state lives in the
// injected stores so independent Client values over the same storage behave
// as one logical client.
type Client struct {
	cfg       *Config
	identity  string
	tokens    storage.TokenStore
	redirects storage.RedirectRegistry
	req       *requester
	logger    *slog.Logger
	clock     func() time.Time

	auditor *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewClient validates cfg and builds a client over the given stores.
// The redirect registry may be nil for the direct flows, which never
// register pending redirects; it is required for FlowAuthorizationCode.
func NewClient(cfg *Config, tokens storage.TokenStore, redirects storage.RedirectRegistry) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, ErrConfig("token store is required")
	}
	if cfg.Flow == FlowAuthorizationCode && redirects == nil {
		return nil, ErrConfig("redirect registry is required for the authorization-code flow")
	}

	cfg = cfg.withDefaults()
	identity := cfg.identity()

	return &Client{
		cfg:       cfg,
		identity:  identity,
		tokens:    tokens,
		redirects: redirects,
		req:       newRequester(cfg, identity),
		logger:    cfg.Logger,
		clock:     cfg.Clock,
	}, nil
}

// SetInstrumentation attaches OpenTelemetry metrics and tracing.
// Call before the first token request; not safe to swap concurrently.
func (c *Client) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.instrumentation = inst
	c.req.setInstrumentation(inst)
	if inst != nil {
		c.tracer = inst.Tracer("client")
	}
}

// SetAuditor attaches an audit logger for security-relevant flow events.
func (c *Client) SetAuditor(a *security.Auditor) {
	c.auditor = a
}

// Identity returns the stable identity under which this client's tokens are
// stored. Two clients with the same token endpoint, client id, and flow share
// an identity and therefore a stored token.
func (c *Client) Identity() string {
	return c.identity
}

// Close releases background resources. The injected stores are not closed;
// the caller owns their lifecycle.
func (c *Client) Close() {
	c.req.stop()
}

// GetAccessToken returns a usable access token, walking the lifecycle in
// strict order: reuse a stored fresh token, refresh an expired one that
// carries a refresh token, and only then run the configured flow from
// scratch. A refresh rejected by the server falls back to full
// authorization exactly once; a refresh that fails in transit surfaces as a
// retryable error instead, since the stored grant may still be valid.
//
// For the direct flows the result is always ResultToken or an error. For
// FlowAuthorizationCode a full authorization yields ResultSuspend and the
// caller must complete the flow through ResumeFromCallback.
func (c *Client) GetAccessToken(ctx context.Context) (*Result, error) {
	ctx, span := c.startSpan(ctx, "client.get_access_token")
	defer span.End()

	now := c.clock()

	record, err := c.tokens.GetToken(ctx, c.identity)
	if err != nil && !errors.Is(err, storage.ErrTokenNotFound) && !errors.Is(err, storage.ErrTokenExpired) {
		return nil, ErrTransport("", err)
	}

	if record != nil && security.IsFresh(record.Expiry, now, c.cfg.FreshnessMargin) {
		if c.instrumentation != nil {
			c.instrumentation.Metrics().RecordTokenReused(ctx, string(c.cfg.Flow))
		}
		instrumentation.SetSpanSuccess(span)
		c.logger.Debug("Reusing stored token", "identity", util.SafeTruncate(c.identity, 8))
		return &Result{Kind: ResultToken, AccessToken: record.AccessToken, TokenType: record.TokenType}, nil
	}

	if record != nil && record.RefreshToken != "" {
		result, err := c.refresh(ctx, record)
		if err == nil {
			instrumentation.SetSpanSuccess(span)
			return result, nil
		}
		if !IsProtocolError(err) {
			// Transport and malformed-response failures say nothing about
			// whether the grant is still valid. Surface them; the caller
			// retries and the stored refresh token survives.
			instrumentation.RecordError(span, err)
			return nil, err
		}

		// The server rejected the refresh token. The stored record is dead
		// weight now; drop it and fall through to a full authorization.
		if delErr := c.tokens.DeleteToken(ctx, c.identity); delErr != nil {
			c.logger.Warn("Failed to delete rejected token record", "error", delErr)
		}
		if c.instrumentation != nil {
			c.instrumentation.Metrics().RecordRefreshFallback(ctx, string(c.cfg.Flow))
		}
		c.audit(security.EventRefreshFallback, nil)
		c.logger.Info("Refresh rejected, falling back to full authorization",
			"identity", util.SafeTruncate(c.identity, 8),
			"flow", c.cfg.Flow)
	}

	result, err := c.authorize(ctx)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// refresh exchanges the stored refresh token for a new access token.
// A response without a rotated refresh token keeps the old one, so one
// refresh token can serve many refreshes on servers that do not rotate.
func (c *Client) refresh(ctx context.Context, old *storage.TokenRecord) (*Result, error) {
	record, err := c.req.exchange(ctx, refreshForm(old.RefreshToken, c.cfg.Scope))
	if err != nil {
		return nil, err
	}

	rotated := record.RefreshToken != ""
	if !rotated {
		record.RefreshToken = old.RefreshToken
	}

	if err := c.tokens.SaveToken(ctx, c.identity, record); err != nil {
		return nil, ErrTransport(grantRefreshToken, err)
	}

	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordTokenRefresh(ctx, rotated)
	}
	c.audit(security.EventTokenRefreshed, map[string]any{"rotated": rotated})
	c.logger.Debug("Refreshed token",
		"identity", util.SafeTruncate(c.identity, 8),
		"rotated", rotated)

	return &Result{Kind: ResultToken, AccessToken: record.AccessToken, TokenType: record.TokenType}, nil
}

// authorize runs the configured flow from scratch.
func (c *Client) authorize(ctx context.Context) (*Result, error) {
	switch c.cfg.Flow {
	case FlowClientCredentials:
		return c.direct(ctx, clientCredentialsForm(c.cfg.Scope))
	case FlowPassword:
		return c.direct(ctx, passwordForm(c.cfg.Username, c.cfg.Password, c.cfg.Scope))
	case FlowAuthorizationCode:
		return c.beginAuthorizationFlow(ctx)
	default:
		// Validate rejects unknown flows at construction.
		return nil, ErrConfig("unsupported flow: " + string(c.cfg.Flow))
	}
}

// direct performs a single-round-trip grant and stores the result.
func (c *Client) direct(ctx context.Context, form url.Values) (*Result, error) {
	record, err := c.req.exchange(ctx, form)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.SaveToken(ctx, c.identity, record); err != nil {
		return nil, ErrTransport(form.Get("grant_type"), err)
	}
	c.audit(security.EventTokenExchanged, map[string]any{"grant_type": form.Get("grant_type")})
	return &Result{Kind: ResultToken, AccessToken: record.AccessToken, TokenType: record.TokenType}, nil
}

// beginAuthorizationFlow registers a pending redirect under a fresh state
// token and hands the authorization URL back to the caller. Nothing about
// the flow lives in the Client afterwards; any process sharing the registry
// can resume it.
func (c *Client) beginAuthorizationFlow(ctx context.Context) (*Result, error) {
	state := oauth2.GenerateVerifier()
	now := c.clock()

	entry := &storage.PendingRedirect{
		Destination: c.cfg.ReturnTo,
		Owner:       storage.OwnerSelf,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.cfg.PendingTTL),
	}
	if err := c.redirects.SaveRedirect(ctx, state, entry); err != nil {
		return nil, ErrTransport("", err)
	}

	authURL, err := c.authorizationURL(state)
	if err != nil {
		_ = c.redirects.DeleteRedirect(ctx, state)
		return nil, ErrConfig("invalid authorization endpoint: " + err.Error())
	}

	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordFlowStarted(ctx)
	}
	c.audit(security.EventFlowStarted, map[string]any{"state": util.SafeTruncate(state, 8)})
	c.logger.Info("Authorization flow started",
		"identity", util.SafeTruncate(c.identity, 8),
		"state", util.SafeTruncate(state, 8))

	return &Result{Kind: ResultSuspend, AuthorizationURL: authURL, State: state}, nil
}

// authorizationURL builds the user-agent redirect target, preserving any
// query parameters already present on the configured endpoint.
func (c *Client) authorizationURL(state string) (string, error) {
	u, err := url.Parse(c.cfg.AuthURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURL)
	q.Set("state", state)
	if c.cfg.Scope != "" {
		q.Set("scope", c.cfg.Scope)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ResumeFromCallback completes a suspended authorization-code flow from the
// parameters the authorization server sent back. The state token is looked
// up in the shared registry and resolves one of three ways:
//
//   - unknown or expired: a state-kind error; the callback is stale, forged,
//     or already consumed.
//   - owned by another registry consumer: the callback is not ours. The
//     default is a Deferred result forwarding every parameter, code and
//     state included, to the owner's destination; with StrictOwnership the
//     callback fails with a security-kind error instead.
//   - owned by this engine: the entry is consumed atomically, making the
//     state single-use, and the code is exchanged for a token. The Token
//     result carries a cleanup RedirectURL with code and state stripped.
//
// A failed code exchange does not resurrect the consumed entry. The flow
// must restart from GetAccessToken.
func (c *Client) ResumeFromCallback(ctx context.Context, cb *Callback) (*Result, error) {
	ctx, span := c.startSpan(ctx, "client.resume_from_callback")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStatePrefix, util.SafeTruncate(cb.State, 8)))

	if cb.State == "" {
		return nil, ErrUnknownState("callback carries no state token")
	}

	// Look up before consuming: an externally owned entry must survive the
	// lookup so its owner can still complete its flow.
	entry, err := c.redirects.GetRedirect(ctx, cb.State)
	if err != nil {
		if errors.Is(err, storage.ErrRedirectNotFound) || errors.Is(err, storage.ErrRedirectExpired) {
			c.recordMismatch(ctx, span, cb.State)
			return nil, ErrUnknownState("callback state is unknown, expired, or already used")
		}
		return nil, ErrTransport("", err)
	}

	if entry.Owner != storage.OwnerSelf {
		return c.deferToOwner(ctx, span, cb, entry)
	}

	// Ours. Consume atomically so a concurrent resume with the same state
	// loses the race and fails as unknown.
	entry, err = c.redirects.ConsumeRedirect(ctx, cb.State)
	if err != nil {
		if errors.Is(err, storage.ErrRedirectNotFound) || errors.Is(err, storage.ErrRedirectExpired) {
			c.recordMismatch(ctx, span, cb.State)
			return nil, ErrUnknownState("callback state is unknown, expired, or already used")
		}
		return nil, ErrTransport("", err)
	}

	// An error parameter means the authorization server denied the request.
	// The entry stays consumed; the user decided, the flow is over.
	if errCode := cb.Params.Get("error"); errCode != "" || cb.Code == "" {
		if c.instrumentation != nil {
			c.instrumentation.Metrics().RecordFlowResumed(ctx, false)
		}
		if errCode == "" {
			return nil, ErrMalformedResponse(grantAuthorizationCode, "callback carries neither code nor error", 0, nil, nil)
		}
		ferr := ErrProtocol(grantAuthorizationCode, 0, errCode, cb.Params.Get("error_description"), nil)
		instrumentation.RecordError(span, ferr)
		return nil, ferr
	}

	record, err := c.req.exchange(ctx, authorizationCodeForm(cb.Code, c.cfg.RedirectURL))
	if err != nil {
		if c.instrumentation != nil {
			c.instrumentation.Metrics().RecordFlowResumed(ctx, false)
		}
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if err := c.tokens.SaveToken(ctx, c.identity, record); err != nil {
		return nil, ErrTransport(grantAuthorizationCode, err)
	}

	redirectURL, err := cleanupURL(entry.Destination, entry.ExtraParams, cb.Params)
	if err != nil {
		// The token is stored and usable; only the cleanup destination is
		// broken. Fall back to the bare destination.
		c.logger.Warn("Failed to build cleanup redirect", "error", err)
		redirectURL = entry.Destination
	}

	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordFlowResumed(ctx, true)
	}
	c.audit(security.EventFlowResumed, map[string]any{"state": util.SafeTruncate(cb.State, 8)})
	c.audit(security.EventTokenExchanged, map[string]any{"grant_type": grantAuthorizationCode})
	instrumentation.SetSpanSuccess(span)
	c.logger.Info("Authorization flow completed",
		"identity", util.SafeTruncate(c.identity, 8),
		"state", util.SafeTruncate(cb.State, 8))

	return &Result{
		Kind:        ResultToken,
		AccessToken: record.AccessToken,
		TokenType:   record.TokenType,
		RedirectURL: redirectURL,
	}, nil
}

// deferToOwner handles a callback whose state belongs to another consumer of
// the shared registry. The entry is left untouched in both modes.
func (c *Client) deferToOwner(ctx context.Context, span trace.Span, cb *Callback, entry *storage.PendingRedirect) (*Result, error) {
	if c.cfg.StrictOwnership {
		if c.instrumentation != nil {
			c.instrumentation.Metrics().RecordOwnershipDenied(ctx)
		}
		if c.auditor != nil {
			c.auditor.LogOwnershipDenied(c.identity, entry.Owner)
		}
		err := ErrOwnership("callback state belongs to another consumer")
		instrumentation.RecordError(span, err)
		return nil, err
	}

	dest, err := forwardURL(entry.Destination, cb.Params)
	if err != nil {
		return nil, ErrUnknownState("externally owned entry has an unparseable destination")
	}

	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordFlowDeferred(ctx)
	}
	c.audit(security.EventFlowDeferred, map[string]any{"owner": entry.Owner})
	instrumentation.SetSpanSuccess(span)
	c.logger.Debug("Deferring callback to external owner",
		"owner", entry.Owner,
		"state", util.SafeTruncate(cb.State, 8))

	return &Result{Kind: ResultDeferred, RedirectURL: dest}, nil
}

func (c *Client) recordMismatch(ctx context.Context, span trace.Span, state string) {
	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordStateMismatch(ctx)
	}
	if c.auditor != nil {
		c.auditor.LogStateMismatch(c.identity, util.SafeTruncate(state, 8))
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrErrorKind, KindState))
}

func (c *Client) audit(eventType string, details map[string]any) {
	if c.auditor == nil {
		return
	}
	c.auditor.LogEvent(security.Event{
		Type:     eventType,
		Identity: util.SafeTruncate(c.identity, 8),
		Flow:     string(c.cfg.Flow),
		Details:  details,
	})
}

func (c *Client) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := c.tracer.Start(ctx, name)
	instrumentation.AddFlowAttributes(span, string(c.cfg.Flow), util.SafeTruncate(c.identity, 8), c.cfg.Scope)
	return ctx, span
}
