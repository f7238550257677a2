package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/gramportal/internal/auth"
	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/model"
)

var (
	errLoginFailed   = fmt.Errorf("invalid username or password: %w", common.ErrUnauthorized)
	errUsernameTaken = fmt.Errorf("username taken: %w", common.ErrConflict)
)

type registerRequest struct {
	Username    string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"display_name" validate:"max=100"`
	Village     string `json:"village" validate:"omitempty,max=100"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	*auth.Token
	User *model.User `json:"user"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.config.AllowRegistration {
		h.respondError(w, r, fmt.Errorf("registration disabled: %w", common.ErrForbidden))
		return
	}
	var req registerRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	ctx := r.Context()

	var villageID *int64
	switch {
	case req.Village != "":
		v, err := h.store.GetVillageBySlug(ctx, req.Village)
		if errors.Is(err, common.ErrNotFound) {
			h.respondError(w, r, fmt.Errorf("%w: unknown village %q", common.ErrValidation, req.Village))
			return
		}
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		villageID = &v.ID
	case h.config.DefaultVillageID > 0:
		id := h.config.DefaultVillageID
		villageID = &id
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("hash password: %w", err))
		return
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}
	id, err := h.store.CreateUser(ctx, model.User{
		Username:     req.Username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         model.UserRoleStudent,
		VillageID:    villageID,
		Active:       true,
	})
	if errors.Is(err, common.ErrConflict) {
		h.respondError(w, r, errUsernameTaken)
		return
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(ctx, id)
	if err != nil || user == nil {
		h.respondError(w, r, fmt.Errorf("reload user %d: %v", id, err))
		return
	}
	tok, err := h.auth.Issue(ctx, user)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, loginResponse{Token: tok, User: user})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	ctx := r.Context()

	user, err := h.store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("get user: %w", err))
		return
	}
	if user == nil || !user.Active {
		h.respondError(w, r, errLoginFailed)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		slog.Info("failed login", "username", req.Username)
		h.respondError(w, r, errLoginFailed)
		return
	}

	tok, err := h.auth.Issue(ctx, user)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	slog.Info("user logged in", "user_id", user.ID, "role", user.Role)
	common.RespondWithJSON(w, http.StatusOK, loginResponse{Token: tok, User: user})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Revoke(r.Context(), model.AuthSessionFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	common.RespondWithJSON(w, http.StatusOK, currentUser(r))
}
