package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveAnonCookieFallback(t *testing.T) {
	r := New(context.Background(), Config{AnonCookieName: "tracel_anon"})

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: "tracel_anon", Value: "anon-abc123"})

	owner, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !owner.Anon || owner.ID != "anon-abc123" {
		t.Errorf("owner = %+v, want anon owner with id anon-abc123", owner)
	}
}

func TestResolveNoIdentityReturnsError(t *testing.T) {
	r := New(context.Background(), Config{AnonCookieName: "tracel_anon"})
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)

	if _, err := r.Resolve(req); err == nil {
		t.Fatal("expected error when no bearer token and no cookie present")
	}
}

func TestEnsureAnonCookieMintsOnce(t *testing.T) {
	r := New(context.Background(), Config{AnonCookieName: "tracel_anon"})

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	w := httptest.NewRecorder()

	id1 := r.EnsureAnonCookie(w, req)
	if id1 == "" {
		t.Fatal("expected a minted anon id")
	}

	// Simulate the cookie now being present on a subsequent request.
	req2 := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	for _, c := range w.Result().Cookies() {
		req2.AddCookie(c)
	}
	w2 := httptest.NewRecorder()
	id2 := r.EnsureAnonCookie(w2, req2)

	if id1 != id2 {
		t.Errorf("expected stable id across requests, got %q then %q", id1, id2)
	}
	if len(w2.Result().Cookies()) != 0 {
		t.Error("expected no new cookie minted when one already present")
	}
}

func TestBearerTokenWithoutJWKSNeverVerifies(t *testing.T) {
	r := New(context.Background(), Config{AnonCookieName: "tracel_anon"})
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")

	if _, err := r.Resolve(req); err == nil {
		t.Fatal("expected resolution to fail without a configured JWKS source and no anon cookie")
	}
}

func TestOwnerStringFormat(t *testing.T) {
	anon := Owner{ID: "x", Anon: true}
	if anon.String() != "anon:x" {
		t.Errorf("String() = %q, want anon:x", anon.String())
	}
	user := Owner{ID: "y"}
	if user.String() != "user:y" {
		t.Errorf("String() = %q, want user:y", user.String())
	}
}
