package oauth2client

import "net/url"

// ResultKind tags the outcome of GetAccessToken or ResumeFromCallback.
type ResultKind string

const (
	// ResultToken means AccessToken is set and usable.
	ResultToken ResultKind = "token"

	// ResultSuspend means the caller must redirect the user agent to
	// AuthorizationURL and resume later with the callback parameters.
	// Not an error: "no code yet" is a state, not a failure.
	ResultSuspend ResultKind = "suspend"

	// ResultDeferred means the callback's state token belongs to another
	// consumer of the shared registry; the caller should redirect to
	// RedirectURL untouched and let that owner finish its own flow.
	ResultDeferred ResultKind = "deferred"
)

// Result is the outcome of a token request. The engine never performs
// redirects itself; Suspend and Deferred results hand the decision back to
// the host, which owns the user agent.
type Result struct {
	// Kind tags which fields are meaningful.
	Kind ResultKind

	// AccessToken is set for ResultToken.
	AccessToken string

	// TokenType accompanies AccessToken (usually "bearer").
	TokenType string

	// AuthorizationURL is set for ResultSuspend: the authorization-server
	// URL the user agent must visit.
	AuthorizationURL string

	// State is the correlation token registered for this flow, set for
	// ResultSuspend. The matching callback must carry it back.
	State string

	// RedirectURL is the cleanup destination after a resolved callback
	// (ResultToken from ResumeFromCallback, protocol params stripped), or
	// the external owner's destination for ResultDeferred.
	RedirectURL string
}

// Callback carries the inbound parameters of an authorization-server
// redirect back to the application.
type Callback struct {
	// Code is the authorization code issued by the server.
	Code string

	// State is the correlation token round-tripped through the server.
	State string

	// Params holds every query parameter of the callback request, including
	// any extras the authorization server appended.
	Params url.Values
}

// ParseCallback extracts a Callback from request query parameters.
// Returns false if the parameters do not contain a code/state pair, i.e. the
// request is not an authorization-server callback.
func ParseCallback(q url.Values) (*Callback, bool) {
	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		return nil, false
	}
	return &Callback{Code: code, State: state, Params: q}, true
}

// cleanupURL builds the final destination for the user agent: dest plus every
// callback parameter except the protocol-reserved code and state, merged over
// the entry's own extra params. Parameters already present on dest win.
func cleanupURL(dest string, extra map[string]string, params url.Values) (string, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", err
	}

	q := u.Query()
	for k, v := range extra {
		if !q.Has(k) {
			q.Set(k, v)
		}
	}
	for k, vs := range params {
		if k == "code" || k == "state" {
			continue
		}
		if !q.Has(k) && len(vs) > 0 {
			q.Set(k, vs[0])
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// forwardURL builds the untouched forwarding destination for an externally
// owned entry: dest plus every callback parameter, code and state included,
// so the owning consumer can complete its own exchange.
func forwardURL(dest string, params url.Values) (string, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", err
	}

	q := u.Query()
	for k, vs := range params {
		if !q.Has(k) && len(vs) > 0 {
			q.Set(k, vs[0])
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}
