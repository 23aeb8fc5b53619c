package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

func signToken(t *testing.T, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("u1").
		Issuer("presence-service").
		Claim("username", "alice").
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		mutate(b)
	}
	token, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func protectedEcho(t *testing.T) (http.Handler, *Identity) {
	t.Helper()
	verifier := NewVerifier([]byte(testSecret), "presence-service", zerolog.Nop())
	var captured Identity
	handler := verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		captured = id
		w.WriteHeader(http.StatusOK)
	}))
	return handler, &captured
}

func TestMiddleware_AcceptsBearerToken(t *testing.T) {
	handler, captured := protectedEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/api/presence", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", captured.UserID)
	assert.Equal(t, "alice", captured.Username)
}

func TestMiddleware_AcceptsQueryToken(t *testing.T) {
	handler, captured := protectedEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/connect?token="+signToken(t, nil), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", captured.UserID)
}

func TestMiddleware_RejectsMissingToken(t *testing.T) {
	handler, _ := protectedEcho(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/presence", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_RejectsExpiredToken(t *testing.T) {
	handler, _ := protectedEcho(t)
	expired := signToken(t, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Minute))
	})
	req := httptest.NewRequest(http.MethodGet, "/api/presence", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_RejectsWrongKey(t *testing.T) {
	handler, _ := protectedEcho(t)
	token, err := jwt.NewBuilder().Subject("u1").Expiration(time.Now().Add(time.Hour)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("some-other-key")))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/presence", nil)
	req.Header.Set("Authorization", "Bearer "+string(signed))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
