package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a villager taking exams.
	UserRoleStudent UserRole = "student"
	// UserRoleAdmin manages villages, exams and users.
	UserRoleAdmin UserRole = "admin"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	return r == UserRoleStudent || r == UserRoleAdmin
}

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	VillageID    *int64    `json:"village_id,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsAdmin reports whether the user has the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == UserRoleAdmin
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type authSessionCtxKey struct{}

// ContextWithAuthSession stores the current auth session id in context.
func ContextWithAuthSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, authSessionCtxKey{}, id)
}

// AuthSessionFromContext retrieves the auth session id from context.
func AuthSessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(authSessionCtxKey{}).(string)
	return id
}

// ExamConfig holds runtime exam parameters set via CLI flags.
type ExamConfig struct {
	BasePath string // URL prefix for sub-path deployments
	// AttemptGrace is the extra time before an abandoned attempt is expired.
	AttemptGrace time.Duration
	// SessionRetention is how long finished sessions stay queryable.
	SessionRetention time.Duration
	SubmitLockTTL    time.Duration
	MaxSnapshotBytes int
	DefaultVillageID int64 // used for users without a village; 0 means none
	// AllowRegistration lets visitors create student accounts.
	AllowRegistration bool
}
