package oauth2client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalamuna/oauth2-client/instrumentation"
	"github.com/kalamuna/oauth2-client/security"
	"github.com/kalamuna/oauth2-client/storage"
)

// maxResponseBody caps how much of a token endpoint response is read.
// Prevents memory exhaustion from a misbehaving or hostile server.
const maxResponseBody = 1 << 20 // 1 MiB

// Grant type values sent to the token endpoint.
const (
	grantClientCredentials = "client_credentials"
	grantPassword          = "password"
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// tokenResponse is the wire shape of a successful token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
}

// errorResponse is the wire shape of an OAuth error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// requester performs the token-endpoint exchange for any grant type and
// parses the result or error. It holds no flow state; the Client decides
// which grants to attempt and when.
type requester struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	identity     string
	logger       *slog.Logger
	clock        func() time.Time

	// limiter bounds calls to the token endpoint per client identity.
	// Nil disables limiting.
	limiter *security.RateLimiter

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

func newRequester(cfg *Config, identity string) *requester {
	var limiter *security.RateLimiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RequestsPerSecond
		}
		limiter = security.NewRateLimiter(cfg.RequestsPerSecond, burst, cfg.Logger)
	}

	return &requester{
		httpClient:   cfg.HTTPClient,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		identity:     identity,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		limiter:      limiter,
	}
}

func (r *requester) setInstrumentation(inst *instrumentation.Instrumentation) {
	r.instrumentation = inst
	if inst != nil {
		r.tracer = inst.Tracer("transport")
	}
}

// stop releases background resources held by the requester.
func (r *requester) stop() {
	if r.limiter != nil {
		r.limiter.Stop()
	}
}

// exchange POSTs a form-encoded grant to the token endpoint and parses the
// response into a TokenRecord with an absolute Expiry computed from the
// requester's own clock. All failures map onto the FlowError taxonomy; the
// call is bounded only by ctx and the HTTP client's timeout, never retried.
func (r *requester) exchange(ctx context.Context, form url.Values) (*storage.TokenRecord, error) {
	grantType := form.Get("grant_type")

	ctx, span := r.startSpan(ctx, grantType)
	defer span.End()

	if r.limiter != nil && !r.limiter.Allow(r.identity) {
		if r.instrumentation != nil {
			r.instrumentation.Metrics().RecordRateLimitExceeded(ctx)
		}
		err := ErrTransport(grantType, fmt.Errorf("token endpoint call rejected by local rate limit"))
		instrumentation.RecordError(span, err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, ErrTransport(grantType, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(r.clientID), url.QueryEscape(r.clientSecret))

	start := r.clock()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.recordRequest(ctx, span, grantType, 0, start, KindTransport)
		return nil, ErrTransport(grantType, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		r.recordRequest(ctx, span, grantType, resp.StatusCode, start, KindTransport)
		return nil, ErrTransport(grantType, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var oauthErr errorResponse
		_ = json.Unmarshal(body, &oauthErr) // best effort; the raw body is carried regardless
		r.recordRequest(ctx, span, grantType, resp.StatusCode, start, KindProtocol)
		r.logger.Warn("Token endpoint rejected request",
			"grant_type", grantType,
			"status", resp.StatusCode,
			"error", oauthErr.Error)
		return nil, ErrProtocol(grantType, resp.StatusCode, oauthErr.Error, oauthErr.ErrorDescription, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		r.recordRequest(ctx, span, grantType, resp.StatusCode, start, KindMalformedResponse)
		return nil, ErrMalformedResponse(grantType, "token endpoint returned a non-JSON body", resp.StatusCode, body, err)
	}
	if tr.AccessToken == "" {
		r.recordRequest(ctx, span, grantType, resp.StatusCode, start, KindMalformedResponse)
		return nil, ErrMalformedResponse(grantType, "token endpoint response is missing access_token", resp.StatusCode, body, nil)
	}

	now := r.clock()
	record := &storage.TokenRecord{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		ExpiresIn:    tr.ExpiresIn,
		Scope:        tr.Scope,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		record.Expiry = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	r.recordRequest(ctx, span, grantType, resp.StatusCode, start, "")
	instrumentation.SetSpanSuccess(span)
	r.logger.Debug("Token exchange succeeded",
		"grant_type", grantType,
		"token_type", record.TokenType,
		"expires_in", record.ExpiresIn)

	return record, nil
}

// clientCredentialsForm builds the direct client-credentials grant body.
func clientCredentialsForm(scope string) url.Values {
	form := url.Values{"grant_type": {grantClientCredentials}}
	if scope != "" {
		form.Set("scope", scope)
	}
	return form
}

// passwordForm builds the resource-owner-password grant body.
func passwordForm(username, password, scope string) url.Values {
	form := url.Values{
		"grant_type": {grantPassword},
		"username":   {username},
		"password":   {password},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return form
}

// refreshForm builds the refresh-token grant body.
func refreshForm(refreshToken, scope string) url.Values {
	form := url.Values{
		"grant_type":    {grantRefreshToken},
		"refresh_token": {refreshToken},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return form
}

// authorizationCodeForm builds the code-exchange grant body.
func authorizationCodeForm(code, redirectURL string) url.Values {
	return url.Values{
		"grant_type":   {grantAuthorizationCode},
		"code":         {code},
		"redirect_uri": {redirectURL},
	}
}

func (r *requester) startSpan(ctx context.Context, grantType string) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, "transport.exchange",
		trace.WithAttributes(attribute.String(instrumentation.AttrGrantType, grantType)))
}

func (r *requester) recordRequest(ctx context.Context, span trace.Span, grantType string, status int, start time.Time, errKind string) {
	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrHTTPStatusCode, status))
	if errKind != "" {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrErrorKind, errKind))
	}
	if r.instrumentation == nil {
		return
	}
	durationMs := float64(r.clock().Sub(start).Milliseconds())
	r.instrumentation.Metrics().RecordTokenRequest(ctx, grantType, status, durationMs)
	if errKind != "" {
		r.instrumentation.Metrics().RecordTokenRequestError(ctx, grantType, errKind)
	}
}
