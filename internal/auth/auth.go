// Package auth issues and verifies bearer tokens. A token is an HS256 JWT
// whose sid claim names a row in auth_sessions, so logging out revokes it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/model"
)

var (
	ErrTokenMissing  = fmt.Errorf("authorization token required: %w", common.ErrUnauthorized)
	ErrTokenInvalid  = fmt.Errorf("invalid token: %w", common.ErrUnauthorized)
	ErrSessionEnded  = fmt.Errorf("session expired or revoked: %w", common.ErrUnauthorized)
	ErrUserDisabled  = fmt.Errorf("user inactive: %w", common.ErrUnauthorized)
	ErrRoleForbidden = fmt.Errorf("role not allowed: %w", common.ErrForbidden)
)

// Store is the part of the record store that backs sessions.
type Store interface {
	CreateAuthSession(ctx context.Context, userID int64) (*model.AuthSession, error)
	GetAuthSession(ctx context.Context, id string) (*model.AuthSession, error)
	DeleteAuthSession(ctx context.Context, id string) error
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
}

// Token is what a successful login hands to the client.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Authenticator issues tokens and guards routes.
type Authenticator struct {
	tokens *jwtauth.JWTAuth
	store  Store

	// Fail writes the response for a rejected request.
	Fail func(w http.ResponseWriter, r *http.Request, err error)
}

func New(secret []byte, st Store) *Authenticator {
	return &Authenticator{
		tokens: jwtauth.New("HS256", secret, nil),
		store:  st,
		Fail: func(w http.ResponseWriter, r *http.Request, err error) {
			common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		},
	}
}

// Issue opens an auth session for u and returns a token bound to it.
func (a *Authenticator) Issue(ctx context.Context, u *model.User) (*Token, error) {
	sess, err := a.store.CreateAuthSession(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("create auth session: %w", err)
	}
	claims := jwt.MapClaims{
		"user_id": strconv.FormatInt(u.ID, 10),
		"role":    string(u.Role),
		"sid":     sess.ID,
	}
	jwtauth.SetIssuedAt(claims, sess.CreatedAt)
	jwtauth.SetExpiry(claims, sess.ExpiresAt)
	_, tokenString, err := a.tokens.Encode(claims)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	return &Token{AccessToken: tokenString, TokenType: "Bearer", ExpiresAt: sess.ExpiresAt}, nil
}

// Revoke ends the auth session a token was bound to.
func (a *Authenticator) Revoke(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	return a.store.DeleteAuthSession(ctx, sid)
}

// Middleware verifies the bearer token (or jwt cookie), checks that its
// session is still open and its user active, and stores the user in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return jwtauth.Verifier(a.tokens)(a.authenticate(next))
}

func (a *Authenticator) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, sid, err := a.resolve(r)
		if err != nil {
			a.Fail(w, r, err)
			return
		}
		ctx := model.ContextWithUser(r.Context(), u)
		ctx = model.ContextWithAuthSession(ctx, sid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) resolve(r *http.Request) (*model.User, string, error) {
	ctx := r.Context()
	token, claims, err := jwtauth.FromContext(ctx)
	if errors.Is(err, jwtauth.ErrNoTokenFound) || (err == nil && token == nil) {
		return nil, "", ErrTokenMissing
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	sid, _ := claims["sid"].(string)
	rawID, _ := claims["user_id"].(string)
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if sid == "" || err != nil {
		return nil, "", ErrTokenInvalid
	}

	sess, err := a.store.GetAuthSession(ctx, sid)
	if err != nil {
		slog.Error("failed to get auth session", "error", err)
		return nil, "", fmt.Errorf("load auth session: %w", common.ErrServiceUnavailable)
	}
	if sess == nil || sess.UserID != userID {
		return nil, "", ErrSessionEnded
	}

	u, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		slog.Error("failed to get user", "user_id", userID, "error", err)
		return nil, "", fmt.Errorf("load user: %w", common.ErrServiceUnavailable)
	}
	if u == nil || !u.Active {
		return nil, "", ErrUserDisabled
	}
	return u, sid, nil
}

// RequireRole rejects users whose role is not one of allowed. It must run
// after Middleware.
func (a *Authenticator) RequireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				a.Fail(w, r, ErrTokenMissing)
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			a.Fail(w, r, ErrRoleForbidden)
		})
	}
}
