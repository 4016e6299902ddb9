package oauth2client

import (
	"net/url"
	"testing"
)

func TestParseCallback(t *testing.T) {
	cb, ok := ParseCallback(url.Values{
		"code":  {"c-1"},
		"state": {"s-1"},
		"extra": {"kept"},
	})
	if !ok {
		t.Fatal("ParseCallback() rejected a valid callback")
	}
	if cb.Code != "c-1" || cb.State != "s-1" {
		t.Errorf("Callback = (%q, %q), want (c-1, s-1)", cb.Code, cb.State)
	}
	if cb.Params.Get("extra") != "kept" {
		t.Error("extra params not retained")
	}
}

func TestParseCallback_NotACallback(t *testing.T) {
	for name, q := range map[string]url.Values{
		"empty":      {},
		"code only":  {"code": {"c-1"}},
		"state only": {"state": {"s-1"}},
	} {
		if _, ok := ParseCallback(q); ok {
			t.Errorf("ParseCallback(%s) accepted a non-callback", name)
		}
	}
}

func TestCleanupURL_StripsProtocolParams(t *testing.T) {
	got, err := cleanupURL("https://app.example.com/done", nil, url.Values{
		"code":    {"c-1"},
		"state":   {"s-1"},
		"session": {"abc"},
	})
	if err != nil {
		t.Fatalf("cleanupURL() error = %v", err)
	}

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("result unparseable: %v", err)
	}
	q := u.Query()
	if q.Has("code") || q.Has("state") {
		t.Errorf("cleanupURL() = %q, leaked code or state", got)
	}
	if q.Get("session") != "abc" {
		t.Errorf("cleanupURL() = %q, dropped the session param", got)
	}
}

func TestCleanupURL_DestinationParamsWin(t *testing.T) {
	got, err := cleanupURL("https://app.example.com/done?tab=settings", map[string]string{"tab": "stored", "lang": "de"}, url.Values{
		"tab":  {"callback"},
		"code": {"c-1"},
	})
	if err != nil {
		t.Fatalf("cleanupURL() error = %v", err)
	}

	q, _ := url.Parse(got)
	if q.Query().Get("tab") != "settings" {
		t.Errorf("tab = %q, want the destination's own value", q.Query().Get("tab"))
	}
	if q.Query().Get("lang") != "de" {
		t.Errorf("lang = %q, want the stored extra", q.Query().Get("lang"))
	}
}

func TestForwardURL_PreservesEverything(t *testing.T) {
	got, err := forwardURL("https://other.example.com/oauth/callback", url.Values{
		"code":  {"c-1"},
		"state": {"s-1"},
		"nonce": {"n-1"},
	})
	if err != nil {
		t.Fatalf("forwardURL() error = %v", err)
	}

	u, _ := url.Parse(got)
	q := u.Query()
	if q.Get("code") != "c-1" || q.Get("state") != "s-1" || q.Get("nonce") != "n-1" {
		t.Errorf("forwardURL() = %q, want all params preserved", got)
	}
}

func TestForwardURL_BadDestination(t *testing.T) {
	if _, err := forwardURL("://not-a-url", url.Values{}); err == nil {
		t.Error("forwardURL() accepted an unparseable destination")
	}
}
