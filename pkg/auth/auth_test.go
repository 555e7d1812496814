package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func echoOwner() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(OwnerFromContext(r.Context())))
	})
}

func TestMiddleware_JWT(t *testing.T) {
	a, err := NewAuthenticator(Settings{JWTSecret: "s3cret"}, zerolog.Nop())
	require.NoError(t, err)
	h := a.Middleware(echoOwner())

	token, err := SignToken("s3cret", "42")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "42", rec.Body.String())

	bad, err := SignToken("other", "42")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"error":"invalid token","kind":"unauthorized"}`, rec.Body.String())
}

func TestMiddleware_RejectsOtherAlgorithms(t *testing.T) {
	a, err := NewAuthenticator(Settings{JWTSecret: "s3cret"}, zerolog.Nop())
	require.NoError(t, err)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "42"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = a.Resolve(req)
	require.Error(t, err)
}

func TestMiddleware_TrustedHeader(t *testing.T) {
	a, err := NewAuthenticator(Settings{TrustOwnerHeader: true}, zerolog.Nop())
	require.NoError(t, err)
	h := a.Middleware(echoOwner())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeader, "7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "7", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewAuthenticator_RequiresAMode(t *testing.T) {
	_, err := NewAuthenticator(Settings{}, zerolog.Nop())
	require.Error(t, err)
}

func TestResolve_QueryToken(t *testing.T) {
	a, err := NewAuthenticator(Settings{JWTSecret: "s3cret"}, zerolog.Nop())
	require.NoError(t, err)
	token, err := SignToken("s3cret", "42")
	require.NoError(t, err)

	owner, err := a.Resolve(httptest.NewRequest(http.MethodGet, "/ws?conv_id=c1&token="+token, nil))
	require.NoError(t, err)
	require.Equal(t, "42", owner)
}
