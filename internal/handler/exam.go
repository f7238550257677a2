package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/exam"
	"github.com/pavelanni/gramportal/internal/model"
	"github.com/pavelanni/gramportal/internal/snapshot"
)

type pledgeRequest struct {
	Accepted bool `json:"accepted"`
}

// cameraRequest carries the still captured by the browser, or the fact that
// the user refused camera access.
type cameraRequest struct {
	Image  string `json:"image" validate:"required_without=Denied"`
	Denied bool   `json:"denied"`
	Reason string `json:"reason" validate:"max=200"`
}

type answerRequest struct {
	Option string `json:"option" validate:"required,oneof=A B C D"`
}

type navigateRequest struct {
	Action string `json:"action" validate:"required,oneof=next prev jump"`
	Index  *int   `json:"index" validate:"required_if=Action jump,omitempty,min=0"`
}

type submitRequest struct {
	Image string `json:"image"`
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.exams.Dashboard(r.Context(), currentUser(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, d)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	e, err := h.exams.Exam(r.Context(), currentUser(r), examID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, e)
}

func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	c, err := h.exams.Open(r.Context(), currentUser(r), examID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, c.View())
}

// session resolves the session in the URL for the current user.
func (h *Handler) session(r *http.Request) (*exam.Controller, error) {
	return h.exams.Session(currentUser(r), chi.URLParam(r, "sessionID"))
}

// sessionAction runs fn on the session and answers with its new view.
func (h *Handler) sessionAction(w http.ResponseWriter, r *http.Request, fn func(c *exam.Controller) error) {
	c, err := h.session(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := fn(c); err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, c.View())
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, func(*exam.Controller) error { return nil })
}

func (h *Handler) handlePledge(w http.ResponseWriter, r *http.Request) {
	var req pledgeRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.sessionAction(w, r, func(c *exam.Controller) error { return c.AcceptPledge(req.Accepted) })
}

func (h *Handler) handleCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := h.decode(w, r, &req, h.snapshotBodyLimit()); err != nil {
		h.respondError(w, r, err)
		return
	}
	var cam exam.Camera
	if req.Denied {
		slog.Info("camera access denied by client", "session", chi.URLParam(r, "sessionID"), "reason", req.Reason)
		cam = exam.FrameCamera{Err: exam.ErrPermissionDenied}
	} else {
		img, err := snapshot.DecodeDataURL(req.Image, h.config.MaxSnapshotBytes)
		if err != nil {
			h.respondError(w, r, fmt.Errorf("%w: %w", common.ErrValidation, err))
			return
		}
		cam = exam.FrameCamera{Image: img}
	}
	h.sessionAction(w, r, func(c *exam.Controller) error { return c.CaptureStart(r.Context(), cam) })
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.sessionAction(w, r, func(c *exam.Controller) error { return c.Select(model.Option(req.Option)) })
}

func (h *Handler) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.sessionAction(w, r, func(c *exam.Controller) error {
		switch req.Action {
		case "next":
			return c.Next()
		case "prev":
			return c.Prev()
		default:
			return c.Jump(*req.Index)
		}
	})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := h.decodeOptional(w, r, &req, h.snapshotBodyLimit()); err != nil {
		h.respondError(w, r, err)
		return
	}
	var cam exam.Camera
	if req.Image != "" {
		img, err := snapshot.DecodeDataURL(req.Image, h.config.MaxSnapshotBytes)
		if err != nil {
			slog.Warn("ignoring unreadable end snapshot", "session", chi.URLParam(r, "sessionID"), "error", err)
		} else {
			cam = exam.FrameCamera{Image: img}
		}
	}
	// A dropped connection must not abort a submission half way.
	ctx := context.WithoutCancel(r.Context())
	h.sessionAction(w, r, func(c *exam.Controller) error { return c.Submit(ctx, cam) })
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	attemptID, err := pathID(r, "attemptID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	review, err := h.exams.Results(r.Context(), currentUser(r), attemptID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, review)
}

// snapshotBodyLimit leaves room for base64 overhead around the image limit.
func (h *Handler) snapshotBodyLimit() int64 {
	if h.config.MaxSnapshotBytes <= 0 {
		return 8 << 20
	}
	return int64(h.config.MaxSnapshotBytes)*4/3 + 64<<10
}
