package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// RoleAdmin marks tokens allowed to mint and award.
const RoleAdmin = "admin"

// Claims are the JWT claims issued by the auth provider.
// The subject is the engine user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type contextKey string

const ctxKeyClaims contextKey = "rewards.claims"

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	leeway time.Duration
}

// NewAuthenticator creates an Authenticator for secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(strings.TrimSpace(secret)),
		leeway: 30 * time.Second,
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func (a *Authenticator) parse(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// claims in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeFail(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.parse(tokenString)
		if err != nil {
			log.Debug().Err(err).Msg("Token validation failed")
			writeFail(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects callers whose token lacks the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())
		if claims == nil || claims.Role != RoleAdmin {
			writeFail(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ctxKeyClaims).(*Claims)
	return claims
}

// userID returns the authenticated caller.
func userID(r *http.Request) string {
	if claims := claimsFrom(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}

// CronSecretHeader carries the scheduler's shared secret.
const CronSecretHeader = "X-Cron-Secret"

// RequireCronSecret admits only trusted schedulers. An empty secret
// disables the endpoint.
func RequireCronSecret(secret string) func(http.Handler) http.Handler {
	expected := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(r.Header.Get(CronSecretHeader))
			if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
				writeFail(w, http.StatusUnauthorized, "invalid cron secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
