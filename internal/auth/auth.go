package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidToken  = errors.New("invalid or expired access token")
	ErrRefreshFailed = errors.New("session refresh failed")
)

const (
	AccessTokenCookie  = "sb-access-token"
	RefreshTokenCookie = "sb-refresh-token"

	userCacheTTL = 5 * time.Minute
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Client is the subset of the auth backend this service uses.
type Client interface {
	GetUser(ctx context.Context, accessToken string) (*User, error)
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userKey      contextKey = "user"
	requestIDKey contextKey = "request_id"
)

type Authenticator struct {
	client   Client
	cache    Cache
	verifier *JWTVerifier
	now      func() time.Time
}

// NewAuthenticator resolves access tokens through the cache, then the local
// verifier when one is configured, then the auth backend.
func NewAuthenticator(client Client, cache Cache, verifier *JWTVerifier) *Authenticator {
	return &Authenticator{client: client, cache: cache, verifier: verifier, now: time.Now}
}

// Required rejects requests without a valid session with 401.
func (a *Authenticator) Required() Middleware {
	return a.middleware(true)
}

// Optional attaches the user when a valid session is present and lets
// anonymous requests through.
func (a *Authenticator) Optional() Middleware {
	return a.middleware(false)
}

func (a *Authenticator) middleware(required bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			token := tokenFromRequest(r)
			if token == "" {
				if required {
					writeUnauthorized(w)
					return
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			user, err := a.resolve(ctx, token)
			if err != nil {
				invalid := errors.Is(err, ErrInvalidToken)
				if !invalid {
					log.Printf("auth: failed to resolve user: %v", err)
				}
				switch {
				case required && invalid:
					writeUnauthorized(w)
				case required:
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "Internal Server Error"})
				default:
					next.ServeHTTP(w, r.WithContext(ctx))
				}
				return
			}

			ctx = context.WithValue(ctx, userKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) resolve(ctx context.Context, token string) (*User, error) {
	cacheKey := fmt.Sprintf("auth:%s", hashToken(token))

	var cached User
	if data, err := a.cache.Get(ctx, cacheKey); err == nil {
		if err := json.Unmarshal(data, &cached); err == nil && cached.ID != "" {
			return &cached, nil
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		log.Printf("auth: cache error: %v", err)
	}

	ttl := userCacheTTL
	var user *User
	if a.verifier != nil {
		u, exp, err := a.verifier.Verify(token)
		if err != nil {
			return nil, err
		}
		if remaining := exp.Sub(a.now()); remaining < ttl {
			ttl = remaining
		}
		user = u
	} else {
		u, err := a.client.GetUser(ctx, token)
		if err != nil {
			return nil, err
		}
		user = u
	}

	if ttl > 0 {
		if data, err := json.Marshal(user); err == nil {
			_ = a.cache.Set(ctx, cacheKey, data, ttl)
		}
	}
	return user, nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// Helpers to extract from context
func GetUser(ctx context.Context) *User {
	if u, ok := ctx.Value(userKey).(*User); ok {
		return u
	}
	return nil
}

func GetUserID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.ID
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
