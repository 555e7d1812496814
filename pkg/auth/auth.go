// Package auth resolves the calling owner from a JWT bearer token or a
// trusted forwarding header and stores it in the request context.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

// OwnerHeader carries the owner id when the server sits behind a trusted host.
const OwnerHeader = "X-Owner-ID"

type ownerKey struct{}

// WithOwner returns a context carrying ownerID.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the authenticated owner, or "" for anonymous
// requests.
func OwnerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ownerKey{}).(string)
	return v
}

type Settings struct {
	JWTSecret        string `yaml:"jwt-secret"`
	TrustOwnerHeader bool   `yaml:"trust-owner-header"`
}

type Authenticator struct {
	secret      []byte
	trustHeader bool
	logger      zerolog.Logger
}

func NewAuthenticator(s Settings, logger zerolog.Logger) (*Authenticator, error) {
	if s.JWTSecret == "" && !s.TrustOwnerHeader {
		return nil, errors.New("auth: either jwt-secret or trust-owner-header is required")
	}
	return &Authenticator{
		secret:      []byte(s.JWTSecret),
		trustHeader: s.TrustOwnerHeader,
		logger:      logger.With().Str("component", "auth").Logger(),
	}, nil
}

// Resolve returns the owner id for req.
func (a *Authenticator) Resolve(req *http.Request) (string, error) {
	const op = "auth.resolve"
	if h := strings.TrimSpace(req.Header.Get("Authorization")); h != "" && len(a.secret) > 0 {
		token := h
		if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
		return a.parseToken(token)
	}
	// Browsers cannot set headers on websocket upgrades.
	if t := strings.TrimSpace(req.URL.Query().Get("token")); t != "" && len(a.secret) > 0 {
		return a.parseToken(t)
	}
	if a.trustHeader {
		if owner := strings.TrimSpace(req.Header.Get(OwnerHeader)); owner != "" {
			return owner, nil
		}
	}
	return "", chaterrors.E(chaterrors.KindUnauthorized, op, "not logged in")
}

func (a *Authenticator) parseToken(raw string) (string, error) {
	const op = "auth.token"
	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err == nil && !token.Valid {
		err = errors.New("token not valid")
	}
	if err != nil {
		return "", chaterrors.Wrap(err, chaterrors.KindUnauthorized, op, "invalid token")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", chaterrors.E(chaterrors.KindUnauthorized, op, "invalid subject in token")
	}
	return strings.TrimSpace(sub), nil
}

// Middleware rejects unauthenticated requests with a 401 JSON error and
// passes the owner to next through the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		owner, err := a.Resolve(req)
		if err != nil {
			a.logger.Debug().Err(err).Str("path", req.URL.Path).Msg("rejected request")
			chaterrors.WriteHTTP(w, err)
			return
		}
		next.ServeHTTP(w, req.WithContext(WithOwner(req.Context(), owner)))
	})
}

// SignToken issues an HS256 token for ownerID. Used by the CLI and tests.
func SignToken(secret, ownerID string) (string, error) {
	if secret == "" {
		return "", errors.New("auth: jwt secret is empty")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: ownerID}).SignedString([]byte(secret))
}
