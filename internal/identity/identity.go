// Package identity resolves who is behind a connection.
//
// Bearer tokens are optional. When a signing secret is configured, a verified
// token's subject is the caller's user id and the ids clients put in event
// payloads are checked against it. Without a secret, payload ids are trusted.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teenhut/hutchat/internal/domain"
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

// ErrNoToken is returned when a request carries no bearer token.
var ErrNoToken = errors.New("no bearer token")

// Claims is the token payload. Subject carries the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for secret, or nil when secret is empty.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Issue signs a token for subject. It is used by tooling and tests; the
// platform's login service issues tokens in production.
func (v *Verifier) Issue(subject, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString and returns its claims when the signature,
// expiry and subject are valid.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("verify token: missing subject")
	}
	return claims, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// for browser websocket clients that cannot set headers, the token query
// parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("malformed authorization header")
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrNoToken
}

// UserIDFromContext extracts the verified user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the verified username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a copy of ctx carrying a verified identity.
func WithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, username)
}

// UserWriter is the part of the user store identity needs.
type UserWriter interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
}

func ensureUser(ctx context.Context, users UserWriter, userID, username string) error {
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil && user.Username == username {
		return nil
	}

	now := time.Now()
	return users.UpsertUser(ctx, &domain.User{
		UserID:    userID,
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Middleware verifies bearer tokens and injects the caller's identity. With a
// nil verifier every request passes through anonymously. Requests without a
// token are anonymous; requests with an invalid token are rejected.
func Middleware(v *Verifier, users UserWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				next.ServeHTTP(w, r)
				return
			}

			token, err := TokenFromRequest(r)
			if errors.Is(err, ErrNoToken) {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := v.Verify(token)
			if err != nil {
				slog.Debug("Rejected bearer token", "error", err, "ip", IPFromRequest(r))
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if claims.Name != "" && users != nil {
				if err := ensureUser(r.Context(), users, claims.Subject, claims.Name); err != nil {
					slog.Warn("Failed to upsert verified user", "user_id", claims.Subject, "error", err)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims.Subject, claims.Name)))
		})
	}
}

// ResolveUserID decides which user id an event acts as. authID is the
// connection's verified id, claimed the id in the event payload. It returns
// ok=false when the event must be dropped.
func ResolveUserID(authEnabled bool, authID, claimed string) (userID string, ok bool) {
	if !authEnabled {
		return claimed, true
	}
	if authID == "" {
		// Anonymous connection: claimed ids are not trusted.
		return "", true
	}
	if claimed != "" && claimed != authID {
		return "", false
	}
	return authID, true
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
