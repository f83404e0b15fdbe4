package auth

import (
	"net/http/httptest"
	"testing"
)

func TestAuthenticateLegacyKeyGetsWildcard(t *testing.T) {
	p, ok := Authenticate("master-key", "master-key", nil)
	if !ok {
		t.Fatal("expected legacy key to authenticate")
	}
	if !HasAnyScope(p, ScopeDaemonsRW) {
		t.Error("legacy key should have every scope")
	}
}

func TestAuthenticateScopedToken(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "tok-ro", Scopes: []string{ScopeDaemonsRO, ScopeEventsRO}},
	}
	p, ok := Authenticate("tok-ro", "", tokens)
	if !ok {
		t.Fatal("expected token to authenticate")
	}
	if !HasAnyScope(p, ScopeDaemonsRO) {
		t.Error("token should have daemons:ro")
	}
	if HasAnyScope(p, ScopeWorkSubmit) {
		t.Error("token should not have work:submit")
	}
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	if _, ok := Authenticate("nope", "master-key", []TokenConfig{{Token: "tok"}}); ok {
		t.Fatal("unknown token should not authenticate")
	}
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	if _, ok := Authenticate("", "", []TokenConfig{{Token: ""}}); ok {
		t.Fatal("empty token should never authenticate")
	}
}

func TestWriteImpliesRead(t *testing.T) {
	p, ok := Authenticate("tok", "", []TokenConfig{
		{Token: "tok", Scopes: []string{ScopeDaemonsRW}},
	})
	if !ok {
		t.Fatal("expected token to authenticate")
	}
	if !HasAnyScope(p, ScopeDaemonsRO) {
		t.Error("daemons:rw should imply daemons:ro")
	}
}

func TestExtractBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/daemons", nil)
	r.Header.Set("Authorization", "Bearer tok-123")

	tok, err := ExtractBearerToken(r)
	if err != nil {
		t.Fatalf("ExtractBearerToken: %v", err)
	}
	if tok != "tok-123" {
		t.Errorf("token = %q", tok)
	}
}

func TestExtractBearerTokenMissingHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/daemons", nil)
	if _, err := ExtractBearerToken(r); err == nil {
		t.Fatal("expected error for missing header")
	}
}

func TestExtractBearerTokenWrongScheme(t *testing.T) {
	r := httptest.NewRequest("GET", "/daemons", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := ExtractBearerToken(r); err == nil {
		t.Fatal("expected error for non-bearer scheme")
	}
}
