package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWKSCache_FetchAndCache(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(JWKSet{Keys: []JWK{rsaJWK(privateKey, "k1")}})
	}))
	defer server.Close()

	cache := NewJWKSCache(server.URL, 10*time.Minute)
	key, err := cache.Key("k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.N.Cmp(privateKey.PublicKey.N) != 0 || key.E != privateKey.PublicKey.E {
		t.Error("fetched key does not match original")
	}

	if _, err := cache.Key("k1"); err != nil {
		t.Fatalf("unexpected error on cache hit: %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("expected 1 fetch, got %d", n)
	}
}

func TestJWKSCache_KeyRotation(t *testing.T) {
	key1, _ := rsa.GenerateKey(rand.Reader, 2048)
	key2, _ := rsa.GenerateKey(rand.Reader, 2048)

	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys := []JWK{rsaJWK(key1, "old")}
		if fetches.Add(1) > 1 {
			keys = append(keys, rsaJWK(key2, "new"))
		}
		json.NewEncoder(w).Encode(JWKSet{Keys: keys})
	}))
	defer server.Close()

	cache := NewJWKSCache(server.URL, 10*time.Minute)
	if _, err := cache.Key("old"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An unknown kid forces a refetch even inside the TTL.
	got, err := cache.Key("new")
	if err != nil {
		t.Fatalf("unexpected error after rotation: %v", err)
	}
	if got.N.Cmp(key2.PublicKey.N) != 0 {
		t.Error("rotated key modulus does not match")
	}
	if n := fetches.Load(); n != 2 {
		t.Errorf("expected 2 fetches, got %d", n)
	}
}

func TestJWKSCache_Errors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	if _, err := NewJWKSCache(failing.URL, time.Minute).Key("any"); err == nil {
		t.Error("expected error for server error response")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JWKSet{})
	}))
	defer empty.Close()
	if _, err := NewJWKSCache(empty.URL, time.Minute).Key("missing"); err == nil {
		t.Error("expected error for unknown kid")
	}
}

func TestJWKSCache_KeyfuncRequiresKid(t *testing.T) {
	cache := NewJWKSCache("http://127.0.0.1:1", time.Minute)
	if _, err := cache.Keyfunc(&jwt.Token{Header: map[string]interface{}{}}); err == nil {
		t.Fatal("expected error for token without kid")
	}
}

func TestJWK_PublicKeyInvalid(t *testing.T) {
	tests := []JWK{
		{Kty: "RSA", N: "!!!invalid-base64!!!", E: "AQAB"},
		{Kty: "RSA", N: base64.RawURLEncoding.EncodeToString(big.NewInt(12345).Bytes()), E: "!!!"},
	}
	for _, k := range tests {
		if _, err := k.publicKey(); err == nil {
			t.Errorf("expected error for %+v", k)
		}
	}
}

func TestDiscoverJWKSURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"jwks_uri": "https://idp.example/keys"})
	}))
	defer server.Close()

	url, err := DiscoverJWKSURL(server.URL + "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://idp.example/keys" {
		t.Errorf("unexpected jwks_uri %q", url)
	}

	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": "x"})
	}))
	defer missing.Close()
	if _, err := DiscoverJWKSURL(missing.URL); err == nil {
		t.Error("expected error for missing jwks_uri")
	}
}
