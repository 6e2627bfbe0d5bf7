package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

// =============================================================================
// BEARER TOKENS
// =============================================================================

// Claims carries the caller identity. Subject is the staff or student id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and puts the Actor into the
// request context. Sessions and login live elsewhere; this only reads tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware rejects requests without a valid token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const op = "api.Authenticate"

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, generic.Unauthorized(op))
			return
		}
		actor, err := a.Verify(token)
		if err != nil {
			writeError(w, &generic.Error{Kind: generic.KindUnauthorized, Op: op, Message: "invalid token", Err: err})
			return
		}
		next.ServeHTTP(w, r.WithContext(lessons.WithActor(r.Context(), actor)))
	})
}

// Verify parses token and returns the actor it names.
func (a *Authenticator) Verify(token string) (lessons.Actor, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return lessons.Actor{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return lessons.Actor{}, fmt.Errorf("token has no subject")
	}

	role := lessons.Role(claims.Role)
	switch role {
	case lessons.RoleOwner, lessons.RoleAdmin, lessons.RoleCoach, lessons.RoleStudent:
	default:
		return lessons.Actor{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return lessons.Actor{ID: claims.Subject, Role: role}, nil
}

// Issue signs a token for actor. Used by tooling and tests.
func (a *Authenticator) Issue(actor lessons.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
