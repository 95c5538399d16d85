package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwkSet mirrors the subset of RFC 7517 this resolver needs: RSA public
// signing keys, identified by kid.
type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// keySource fetches and caches a JWKS, exposing a jwt.Keyfunc that resolves
// the signing key by the token's kid header.
type keySource struct {
	url    string
	client *http.Client

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

func newKeySource(url string) *keySource {
	return &keySource{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// refresh fetches the JWKS and replaces the cached key set.
func (k *keySource) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity: JWKS fetch returned status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("identity: decoding JWKS: %w", err)
	}

	parsed := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, key := range set.Keys {
		if key.Kty != "RSA" || key.Kid == "" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(key)
		if err != nil {
			continue
		}
		parsed[key.Kid] = pub
	}

	k.mu.Lock()
	k.keys = parsed
	k.mu.Unlock()
	return nil
}

// startAutoRefresh periodically refreshes the JWKS in the background until
// ctx is cancelled.
func (k *keySource) startAutoRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = k.refresh(ctx)
			}
		}
	}()
}

// Keyfunc implements the jwt.Keyfunc contract: look up the verification key
// for the token's kid header.
func (k *keySource) Keyfunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("identity: token has no kid header")
	}

	k.mu.RLock()
	pub, ok := k.keys[kid]
	k.mu.RUnlock()
	if !ok {
		// Unknown kid: the provider may have rotated keys, so refetch once.
		if err := k.refresh(context.Background()); err == nil {
			k.mu.RLock()
			pub, ok = k.keys[kid]
			k.mu.RUnlock()
		}
	}
	if !ok {
		return nil, fmt.Errorf("identity: no JWKS key for kid %q", kid)
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("identity: unexpected signing method %v", token.Header["alg"])
	}

	return pub, nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
