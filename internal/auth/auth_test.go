package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pavelanni/gramportal/internal/model"
	"github.com/pavelanni/gramportal/internal/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestAuth(t *testing.T) (*Authenticator, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(testSecret, st), st
}

func createUser(t *testing.T, st *store.Store, username string, role model.UserRole) *model.User {
	t.Helper()
	ctx := context.Background()
	id, err := st.CreateUser(ctx, model.User{Username: username, PasswordHash: "x", Role: role, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, _ := st.GetUserByID(ctx, id)
	return u
}

func newRouter(a *Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(a.Middleware)
		r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			u := model.UserFromContext(r.Context())
			if u == nil || model.AuthSessionFromContext(r.Context()) == "" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(u.Username))
		})
		r.With(a.RequireRole(model.UserRoleAdmin)).Get("/admin", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}

func get(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIssueAndAuthenticate(t *testing.T) {
	a, st := newTestAuth(t)
	h := newRouter(a)
	u := createUser(t, st, "asha", model.UserRoleStudent)

	tok, err := a.Issue(context.Background(), u)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.TokenType != "Bearer" || tok.ExpiresAt.IsZero() {
		t.Errorf("unexpected token %+v", tok)
	}

	rec := get(h, "/me", tok.AccessToken)
	if rec.Code != http.StatusOK || rec.Body.String() != "asha" {
		t.Fatalf("GET /me = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRejectedTokens(t *testing.T) {
	a, st := newTestAuth(t)
	h := newRouter(a)
	u := createUser(t, st, "asha", model.UserRoleStudent)
	ctx := context.Background()

	forged, _ := New([]byte("another-secret-another-secret-xx"), st).Issue(ctx, u)

	revoked, _ := a.Issue(ctx, u)
	if err := a.Revoke(ctx, sessionID(t, a, revoked.AccessToken)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not.a.jwt"},
		{"wrong key", forged.AccessToken},
		{"revoked", revoked.AccessToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := get(h, "/me", tt.token); rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestInactiveUser(t *testing.T) {
	a, st := newTestAuth(t)
	h := newRouter(a)
	u := createUser(t, st, "asha", model.UserRoleStudent)
	tok, _ := a.Issue(context.Background(), u)

	if err := st.ToggleUserActive(context.Background(), u.ID); err != nil {
		t.Fatalf("ToggleUserActive: %v", err)
	}
	if rec := get(h, "/me", tok.AccessToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for inactive user, got %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	a, st := newTestAuth(t)
	h := newRouter(a)
	ctx := context.Background()
	student, _ := a.Issue(ctx, createUser(t, st, "asha", model.UserRoleStudent))
	admin, _ := a.Issue(ctx, createUser(t, st, "sarpanch", model.UserRoleAdmin))

	if rec := get(h, "/admin", student.AccessToken); rec.Code != http.StatusForbidden {
		t.Errorf("student: expected 403, got %d", rec.Code)
	}
	if rec := get(h, "/admin", admin.AccessToken); rec.Code != http.StatusNoContent {
		t.Errorf("admin: expected 204, got %d", rec.Code)
	}
}

// sessionID extracts the sid claim by running the token through the middleware.
func sessionID(t *testing.T, a *Authenticator, token string) string {
	t.Helper()
	var sid string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid = model.AuthSessionFromContext(r.Context())
	}))
	get(h, "/", token)
	if sid == "" {
		t.Fatal("token did not authenticate")
	}
	return sid
}
