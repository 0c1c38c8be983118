package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHS256RoundTrip(t *testing.T) {
	claims := Claims{
		Sub:      "patient-1",
		Role:     "patient",
		ClinicID: "clinic-1",
		Iat:      time.Now().Unix(),
		Exp:      time.Now().Add(time.Hour).Unix(),
	}

	token, err := SignHS256(claims, "test-secret")
	require.NoError(t, err)

	parsed, err := ParseAndVerifyHS256(token, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, claims, *parsed)

	_, err = ParseAndVerifyHS256(token, "wrong-secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	token, err := SignHS256(Claims{Sub: "p", Role: "patient", Exp: time.Now().Add(-time.Minute).Unix()}, "s")
	require.NoError(t, err)
	_, err = ParseAndVerifyHS256(token, "s")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseAndVerifyHS256("not.a-token", "s")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRS256Verify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	claims := Claims{Sub: "doctor-user", Role: "doctor", DoctorID: "doctor-1", Exp: time.Now().Add(time.Hour).Unix()}

	token, err := signRS256(claims, key, "kid-1")
	require.NoError(t, err)

	parsed, err := VerifyRS256(token, &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "doctor-1", parsed.DoctorID)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = VerifyRS256(token, &other.PublicKey)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifierUsesJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks{Keys: []jwk{{
			Kty: "RSA",
			Kid: "kid-1",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	v := NewVerifier("", NewJWKSClient(srv.URL, time.Minute))
	token, err := signRS256(Claims{Sub: "u", Role: "clinic", ClinicID: "clinic-1"}, key, "kid-1")
	require.NoError(t, err)

	claims, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "clinic-1", claims.ClinicID)

	unknown, err := signRS256(Claims{Sub: "u", Role: "clinic"}, key, "kid-2")
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), unknown)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWKSUnknownKidIsThrottled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewJWKSClient(srv.URL, time.Minute)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(minRefresh)
	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(2), hits.Load())
}

func TestMiddlewareSetsIdentityHeaders(t *testing.T) {
	var got http.Header
	h := NewVerifier("secret", nil).Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := SignHS256(Claims{Sub: "patient-1", Role: "patient"}, "secret")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderRole, "system")
	req.Header.Set(HeaderClinicID, "spoofed")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "patient", got.Get(HeaderRole))
	assert.Equal(t, "patient-1", got.Get(HeaderUserID))
	assert.Empty(t, got.Get(HeaderClinicID))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func signRS256(claims Claims, key *rsa.PrivateKey, kid string) (string, error) {
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	if kid != "" {
		header["kid"] = kid
	}
	unsigned, err := encodeUnsigned(header, claims)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256([]byte(unsigned))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}
