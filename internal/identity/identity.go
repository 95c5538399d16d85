// Package identity resolves an OwnerID for each inbound request: a verified
// bearer JWT if present, otherwise a stable anonymous identity carried in a
// cookie. It also classifies an owner as admin against a configured email.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Owner is the resolved identity of an inbound request.
type Owner struct {
	ID      string
	Email   string
	IsAdmin bool
	Anon    bool
}

// Config configures a Resolver.
type Config struct {
	JWKSURL        string
	JWKSRefresh    time.Duration
	AdminEmail     string
	AnonCookieName string
}

// Resolver resolves an Owner from an *http.Request.
type Resolver struct {
	cfg Config
	src *keySource // nil if JWKSURL is unset; bearer tokens then never verify
}

// New creates a Resolver. If cfg.JWKSURL is set, it attempts to fetch the
// JWKS immediately and starts a background refresh loop; a failure here is
// non-fatal, bearer tokens simply fail verification (and the request falls
// back to anonymous) until a later refresh succeeds.
func New(ctx context.Context, cfg Config) *Resolver {
	r := &Resolver{cfg: cfg}
	if cfg.JWKSURL == "" {
		return r
	}

	refresh := cfg.JWKSRefresh
	if refresh <= 0 {
		refresh = time.Hour
	}

	src := newKeySource(cfg.JWKSURL)
	_ = src.refresh(ctx)
	src.startAutoRefresh(ctx, refresh)
	r.src = src
	return r
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// anonHeaderName carries the anonymous owner id for WebSocket handshakes,
// where some clients cannot rely on the cookie jar (cross-origin upgrade
// requests from non-browser clients).
const anonHeaderName = "X-Tracel-Anon-Id"

// Resolve returns the Owner for r: a verified bearer token takes priority,
// then the x-tracel-anon-id header, then the anonymous cookie (minted via
// EnsureAnonCookie).
func (res *Resolver) Resolve(r *http.Request) (Owner, error) {
	if owner, ok := res.fromBearer(r); ok {
		return owner, nil
	}

	if id := r.Header.Get(anonHeaderName); id != "" {
		return Owner{ID: id, Anon: true}, nil
	}

	if cookie, err := r.Cookie(res.cfg.AnonCookieName); err == nil && cookie.Value != "" {
		return Owner{ID: cookie.Value, Anon: true}, nil
	}

	return Owner{}, errors.New("identity: no bearer token, anon header, or anonymous cookie present")
}

// EnsureAnonCookie returns the owner ID from the request's anonymous cookie,
// minting and setting a new one on w if absent. Call this only once a
// bearer-token resolution has already failed.
func (res *Resolver) EnsureAnonCookie(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(res.cfg.AnonCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	id := "anon-" + newAnonID()
	http.SetCookie(w, &http.Cookie{
		Name:     res.cfg.AnonCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((90 * 24 * time.Hour).Seconds()),
	})
	return id
}

func (res *Resolver) fromBearer(r *http.Request) (Owner, bool) {
	token := bearerToken(r)
	if token == "" {
		return Owner{}, false
	}

	if res.src == nil {
		return Owner{}, false
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, res.src.Keyfunc)
	if err != nil || !parsed.Valid {
		return Owner{}, false
	}

	id := c.Subject
	if id == "" {
		return Owner{}, false
	}

	return Owner{
		ID:      id,
		Email:   c.Email,
		IsAdmin: res.cfg.AdminEmail != "" && strings.EqualFold(c.Email, res.cfg.AdminEmail),
	}, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func newAnonID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Extremely unlikely; fall back to a UUID which draws from the same pool.
		return uuid.NewString()
	}
	return hex.EncodeToString(b[:])
}

// String implements fmt.Stringer for logging.
func (o Owner) String() string {
	if o.Anon {
		return fmt.Sprintf("anon:%s", o.ID)
	}
	return fmt.Sprintf("user:%s", o.ID)
}
