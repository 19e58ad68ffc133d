// Package auth validates bearer tokens issued by the identity provider.
// RS256 tokens are verified against the provider's JWKS endpoint; HS256
// is accepted as a legacy fallback when a shared secret is configured.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized wraps every validation failure so callers can map it
// to a 401 without inspecting jwt internals.
var ErrUnauthorized = errors.New("auth: unauthorized")

const (
	expectedAudience = "authenticated"
	jwksCacheTTL     = 15 * time.Minute
)

// Claims is the validated identity the rest of the process consumes.
type Claims struct {
	UserID string
	Email  string
	Role   string
}

type tokenClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Validator verifies bearer tokens. Safe for concurrent use.
type Validator struct {
	jwksURL  string
	hsSecret []byte
	client   *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewValidator creates a validator. jwksURL is required; hsSecret may
// be empty, which disables the HS256 fallback.
func NewValidator(jwksURL, hsSecret string) *Validator {
	v := &Validator{
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		keys:    make(map[string]*rsa.PublicKey),
	}
	if hsSecret != "" {
		v.hsSecret = []byte(hsSecret)
	}
	return v
}

// Validate parses and verifies token, returning the caller's identity.
func (v *Validator) Validate(ctx context.Context, token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA:
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid header")
			}
			return v.signingKey(ctx, kid)
		case *jwt.SigningMethodHMAC:
			if v.hsSecret == nil {
				return nil, errors.New("hs256 not configured")
			}
			return v.hsSecret, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
	}, jwt.WithAudience(expectedAudience), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return Claims{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// signingKey returns the RSA public key for kid, refreshing the JWKS
// cache when the key is unknown or the cache is stale.
func (v *Validator) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if key, ok := v.keys[kid]; ok && time.Since(v.fetchedAt) < jwksCacheTTL {
		return key, nil
	}
	if err := v.refreshLocked(ctx); err != nil {
		// A cached key is better than a hard failure when the provider
		// is briefly unreachable.
		if key, ok := v.keys[kid]; ok {
			return key, nil
		}
		return nil, err
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *Validator) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("auth jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth jwks fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("auth jwks read: %w", err)
	}
	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("auth jwks decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("auth jwks: no usable RSA keys")
	}
	v.keys = keys
	v.fetchedAt = time.Now()
	return nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

// TokenFromRequest extracts a bearer token from the Authorization
// header, falling back to the token query parameter (used by
// EventSource clients that cannot set headers).
func TokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(h, prefix) {
			return strings.TrimPrefix(h, prefix), true
		}
		return "", false
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}
