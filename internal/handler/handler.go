package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pavelanni/gramportal/internal/auth"
	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/exam"
	"github.com/pavelanni/gramportal/internal/i18n"
	"github.com/pavelanni/gramportal/internal/llm"
	"github.com/pavelanni/gramportal/internal/model"
	"github.com/pavelanni/gramportal/internal/snapshot"
	"github.com/pavelanni/gramportal/internal/store"
)

const maxJSONBody = 1 << 20

// Explainer drafts answer explanations.
type Explainer interface {
	Explain(ctx context.Context, subject model.Subject, q model.Question) (string, error)
	ExplainMissing(ctx context.Context, st llm.QuestionStore, examID int64) (done, failed int, err error)
}

// SnapshotReader serves stored snapshots back to admins.
type SnapshotReader interface {
	Get(ref string) ([]byte, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	exams    *exam.Service
	auth     *auth.Authenticator
	explain  Explainer
	snaps    SnapshotReader
	validate *validator.Validate
	config   model.ExamConfig
}

// New creates a new Handler. explain and snaps may be nil.
func New(s *store.Store, exams *exam.Service, a *auth.Authenticator, explain Explainer, snaps SnapshotReader, cfg model.ExamConfig) *Handler {
	h := &Handler{
		store:    s,
		exams:    exams,
		auth:     a,
		explain:  explain,
		snaps:    snaps,
		validate: newValidator(),
		config:   cfg,
	}
	a.Fail = h.respondError
	return h
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(i18n.Middleware)

		r.Post("/auth/register", h.handleRegister)
		r.Post("/auth/login", h.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)

			r.Post("/auth/logout", h.handleLogout)
			r.Get("/me", h.handleMe)
			r.Get("/dashboard", h.handleDashboard)
			r.Get("/exams/{examID}", h.handleGetExam)
			r.Post("/exams/{examID}/sessions", h.handleOpenSession)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", h.handleGetSession)
				r.Post("/pledge", h.handlePledge)
				r.Post("/camera", h.handleCamera)
				r.Put("/answer", h.handleAnswer)
				r.Post("/navigate", h.handleNavigate)
				r.Post("/submit", h.handleSubmit)
			})
			r.Get("/attempts/{attemptID}", h.handleResults)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.auth.RequireRole(model.UserRoleAdmin))

				r.Get("/villages", h.handleListVillages)
				r.Post("/villages", h.handleCreateVillage)
				r.Put("/villages/{villageID}/settings", h.handleUpdateVillageSettings)

				r.Get("/exams", h.handleListExams)
				r.Post("/exams", h.handleCreateExam)
				r.Put("/exams/{examID}", h.handleUpdateExam)
				r.Put("/exams/{examID}/status", h.handleSetExamStatus)
				r.Delete("/exams/{examID}", h.handleDeleteExam)
				r.Get("/exams/{examID}/questions", h.handleListQuestions)
				r.Post("/exams/{examID}/questions", h.handleCreateQuestion)
				r.Post("/exams/{examID}/questions/import", h.handleImportQuestions)
				r.Post("/exams/{examID}/questions/explain", h.handleExplainMissing)
				r.Get("/exams/{examID}/attempts", h.handleListAttempts)
				r.Get("/exams/{examID}/export", h.handleExport)

				r.Put("/questions/{questionID}", h.handleUpdateQuestion)
				r.Delete("/questions/{questionID}", h.handleDeleteQuestion)
				r.Post("/questions/{questionID}/explain", h.handleExplainQuestion)

				r.Get("/users", h.handleListUsers)
				r.Post("/users", h.handleCreateUser)
				r.Post("/users/{userID}/toggle-active", h.handleToggleUserActive)
				r.Put("/users/{userID}/village", h.handleSetUserVillage)

				r.Get("/snapshots/*", h.handleGetSnapshot)
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		common.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	common.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// path prepends the configured base path to p.
func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

// errorCodes maps errors to message IDs, most specific first.
var errorCodes = []struct {
	err  error
	code string
}{
	{exam.ErrPledgeRequired, "PledgeRequired"},
	{exam.ErrInvalidOption, "InvalidOption"},
	{exam.ErrOutOfRange, "OutOfRange"},
	{exam.ErrCameraUnavailable, "CameraUnavailable"},
	{exam.ErrExamClosed, "ExamClosed"},
	{exam.ErrExamNotFound, "ExamNotFound"},
	{exam.ErrAttemptNotFound, "AttemptNotFound"},
	{exam.ErrSessionNotFound, "SessionNotFound"},
	{exam.ErrExamsDisabled, "ExamsDisabled"},
	{exam.ErrAttemptExists, "AttemptExists"},
	{exam.ErrNoQuestions, "NoQuestions"},
	{exam.ErrBusy, "Busy"},
	{exam.ErrTimeOver, "TimeOver"},
	{exam.ErrAlreadySubmitted, "AlreadySubmitted"},
	{exam.ErrInvalidState, "InvalidState"},
	{snapshot.ErrInvalidImage, "InvalidSnapshot"},
	{errLoginFailed, "LoginError"},
	{errUsernameTaken, "UsernameTaken"},
	{errExplainUnavailable, "ExplainUnavailable"},
	{common.ErrNotFound, "NotFound"},
	{common.ErrUnauthorized, "Unauthorized"},
	{common.ErrForbidden, "Forbidden"},
	{common.ErrValidation, "ValidationFailed"},
	{common.ErrBadRequest, "BadRequest"},
	{common.ErrConflict, "Conflict"},
	{common.ErrServiceUnavailable, "ServiceUnavailable"},
}

func errorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	if common.IsUniqueViolation(err) {
		return "Conflict"
	}
	return "InternalError"
}

// respondError writes the localized JSON error body for err.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := common.HTTPStatusFromError(err)
	code := errorCode(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	resp := common.ErrorResponse{Code: code}
	if code == "ValidationFailed" || code == "BadRequest" {
		resp.Error = i18n.Td(r.Context(), "ValidationFailed", map[string]any{"Detail": detail(err)})
	} else {
		resp.Error = i18n.T(r.Context(), code)
	}
	if errors.Is(err, exam.ErrAttemptExists) {
		resp.Redirect = h.path("/dashboard")
	}
	common.RespondWithJSON(w, status, resp)
}

// detail strips the sentinel prefix from a validation error.
func detail(err error) string {
	msg := err.Error()
	for _, prefix := range []string{common.ErrValidation.Error() + ": ", common.ErrBadRequest.Error() + ": "} {
		if i := strings.Index(msg, prefix); i >= 0 {
			return msg[i+len(prefix):]
		}
	}
	return msg
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBadRequest, err)
	}
	return h.check(dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", common.ErrBadRequest, err)
	}
	return h.check(dst)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			fields = append(fields, fmt.Sprintf("%s (%s=%s)", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", common.ErrValidation, strings.Join(fields, ", "))
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", common.ErrBadRequest, name)
	}
	return id, nil
}

func currentUser(r *http.Request) *model.User {
	return model.UserFromContext(r.Context())
}
