package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-123",
		"email": "u@example.com",
		"role":  "authenticated",
		"aud":   "authenticated",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
}

func TestValidate_HS256(t *testing.T) {
	v := NewValidator("http://unused.invalid/jwks", testSecret)

	claims, err := v.Validate(context.Background(), signHS256(t, baseClaims()))
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "user-123" || claims.Email != "u@example.com" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidate_Rejections(t *testing.T) {
	v := NewValidator("http://unused.invalid/jwks", testSecret)
	ctx := context.Background()

	expired := baseClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongAud := baseClaims()
	wrongAud["aud"] = "anon"

	noSub := baseClaims()
	delete(noSub, "sub")

	cases := map[string]string{
		"expired":        signHS256(t, expired),
		"wrong audience": signHS256(t, wrongAud),
		"no subject":     signHS256(t, noSub),
		"garbage":        "not.a.token",
		"wrong secret": func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims())
			s, _ := tok.SignedString([]byte("other-secret"))
			return s
		}(),
	}
	for name, token := range cases {
		if _, err := v.Validate(ctx, token); err == nil {
			t.Errorf("%s: validated", name)
		}
	}
}

func TestValidate_HS256Disabled(t *testing.T) {
	v := NewValidator("http://unused.invalid/jwks", "")
	if _, err := v.Validate(context.Background(), signHS256(t, baseClaims())); err == nil {
		t.Error("HS256 token accepted without a configured secret")
	}
}

func TestValidate_RS256AgainstJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "key-1",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}}
		json.NewEncoder(w).Encode(doc)
	}))
	defer jwks.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims())
	tok.Header["kid"] = "key-1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	v := NewValidator(jwks.URL, "")
	claims, err := v.Validate(context.Background(), signed)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "user-123" {
		t.Errorf("claims = %+v", claims)
	}

	// Unknown kid fails even after a refresh.
	tok2 := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims())
	tok2.Header["kid"] = "key-2"
	signed2, _ := tok2.SignedString(key)
	if _, err := v.Validate(context.Background(), signed2); err == nil {
		t.Error("token with unknown kid accepted")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/stream/AAPL", nil)
	r.Header.Set("Authorization", "Bearer abc")
	if tok, ok := TokenFromRequest(r); !ok || tok != "abc" {
		t.Errorf("header token = %q, %v", tok, ok)
	}

	r = httptest.NewRequest(http.MethodGet, "/stream/AAPL?token=xyz", nil)
	if tok, ok := TokenFromRequest(r); !ok || tok != "xyz" {
		t.Errorf("query token = %q, %v", tok, ok)
	}

	r = httptest.NewRequest(http.MethodGet, "/stream/AAPL", nil)
	r.Header.Set("Authorization", "Basic abc")
	if _, ok := TokenFromRequest(r); ok {
		t.Error("non-bearer header accepted")
	}

	r = httptest.NewRequest(http.MethodGet, "/stream/AAPL", nil)
	if _, ok := TokenFromRequest(r); ok {
		t.Error("empty request produced a token")
	}
}
