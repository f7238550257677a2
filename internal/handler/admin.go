package handler

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/go-chi/chi/v5"
	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/i18n"
	"github.com/pavelanni/gramportal/internal/model"
)

const maxUploadBytes = 10 << 20

var errExplainUnavailable = fmt.Errorf("explanation drafting not configured: %w", common.ErrServiceUnavailable)

type villageRequest struct {
	Name     string                 `json:"name" validate:"required,max=100"`
	Slug     string                 `json:"slug" validate:"omitempty,max=100"`
	District string                 `json:"district" validate:"max=100"`
	State    string                 `json:"state" validate:"max=100"`
	Settings *model.VillageSettings `json:"settings"`
}

type examRequest struct {
	VillageID       int64     `json:"village_id" validate:"required,gt=0"`
	Title           string    `json:"title" validate:"required,max=200"`
	Subject         string    `json:"subject" validate:"required,oneof=GK Science Math English"`
	Description     string    `json:"description" validate:"max=2000"`
	TotalQuestions  int       `json:"total_questions" validate:"min=0,max=500"`
	DurationMinutes int       `json:"duration_minutes" validate:"required,min=1,max=600"`
	ScheduledAt     time.Time `json:"scheduled_at" validate:"required"`
	EndsAt          time.Time `json:"ends_at" validate:"required,gtfield=ScheduledAt"`
	Status          string    `json:"status" validate:"omitempty,oneof=draft scheduled active completed cancelled"`
}

func (req examRequest) exam() model.Exam {
	return model.Exam{
		VillageID:       req.VillageID,
		Title:           req.Title,
		Subject:         model.Subject(req.Subject),
		Description:     req.Description,
		TotalQuestions:  req.TotalQuestions,
		DurationMinutes: req.DurationMinutes,
		ScheduledAt:     req.ScheduledAt,
		EndsAt:          req.EndsAt,
		Status:          model.ExamStatus(req.Status),
	}
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=draft scheduled active completed cancelled"`
}

type questionRequest struct {
	Text          string `json:"text" validate:"required,max=2000"`
	OptionA       string `json:"option_a" validate:"required,max=500"`
	OptionB       string `json:"option_b" validate:"required,max=500"`
	OptionC       string `json:"option_c" validate:"required,max=500"`
	OptionD       string `json:"option_d" validate:"required,max=500"`
	CorrectOption string `json:"correct_option" validate:"required,oneof=A B C D"`
	Explanation   string `json:"explanation" validate:"max=4000"`
	Difficulty    string `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
}

func (req questionRequest) question() model.Question {
	return model.Question{
		Text:          req.Text,
		OptionA:       req.OptionA,
		OptionB:       req.OptionB,
		OptionC:       req.OptionC,
		OptionD:       req.OptionD,
		CorrectOption: model.Option(req.CorrectOption),
		Explanation:   req.Explanation,
		Difficulty:    model.Difficulty(req.Difficulty),
	}
}

type userRequest struct {
	Username    string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"display_name" validate:"max=100"`
	Role        string `json:"role" validate:"required,oneof=student admin"`
	VillageID   *int64 `json:"village_id" validate:"omitempty,gt=0"`
}

type userVillageRequest struct {
	VillageID int64 `json:"village_id" validate:"required,gt=0"`
}

func (h *Handler) handleListVillages(w http.ResponseWriter, r *http.Request) {
	villages, err := h.store.ListVillages(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, villages)
}

func (h *Handler) handleCreateVillage(w http.ResponseWriter, r *http.Request) {
	var req villageRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	v := model.Village{Name: req.Name, Slug: req.Slug, District: req.District, State: req.State}
	if req.Settings != nil {
		if err := req.Settings.Validate(); err != nil {
			h.respondError(w, r, fmt.Errorf("%w: %v", common.ErrValidation, err))
			return
		}
		v.Settings = *req.Settings
	}
	id, err := h.store.CreateVillage(r.Context(), v)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	created, err := h.store.GetVillage(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateVillageSettings(w http.ResponseWriter, r *http.Request) {
	villageID, err := pathID(r, "villageID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var settings model.VillageSettings
	if err := h.decode(w, r, &settings, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.store.UpdateVillageSettings(r.Context(), villageID, settings); err != nil {
		h.respondError(w, r, err)
		return
	}
	v, err := h.store.GetVillage(r.Context(), villageID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, v)
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	var villageID int64
	if raw := r.URL.Query().Get("village_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(w, r, fmt.Errorf("%w: invalid village_id", common.ErrBadRequest))
			return
		}
		villageID = id
	}
	exams, err := h.store.ListExams(r.Context(), villageID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req examRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := h.store.GetVillage(ctx, req.VillageID); err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := h.store.CreateExam(ctx, req.exam())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	e, err := h.store.GetExam(ctx, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	slog.Info("exam created", "exam_id", id, "village_id", e.VillageID, "admin", currentUser(r).Username)
	common.RespondWithJSON(w, http.StatusCreated, e)
}

func (h *Handler) handleUpdateExam(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req examRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	e := req.exam()
	e.ID = examID
	if err := h.store.UpdateExam(r.Context(), e); err != nil {
		h.respondError(w, r, err)
		return
	}
	updated, err := h.store.GetExam(r.Context(), examID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleSetExamStatus(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req statusRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.store.SetExamStatus(r.Context(), examID, model.ExamStatus(req.Status)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteExam(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.store.DeleteExam(r.Context(), examID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	questions, err := h.store.ListQuestions(r.Context(), examID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, questions)
}

func (h *Handler) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req questionRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := h.store.GetExam(ctx, examID); err != nil {
		h.respondError(w, r, err)
		return
	}
	q := req.question()
	q.ExamID = examID
	id, err := h.store.InsertQuestion(ctx, q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	created, err := h.store.GetQuestion(ctx, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	questionID, err := pathID(r, "questionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req questionRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	q := req.question()
	q.ID = questionID
	if q.Difficulty == "" {
		q.Difficulty = model.DifficultyMedium
	}
	if err := h.store.UpdateQuestion(r.Context(), q); err != nil {
		h.respondError(w, r, err)
		return
	}
	updated, err := h.store.GetQuestion(r.Context(), questionID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	questionID, err := pathID(r, "questionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.store.DeleteQuestion(r.Context(), questionID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleImportQuestions(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.respondError(w, r, fmt.Errorf("%w: file too large or malformed", common.ErrBadRequest))
		return
	}
	file, header, err := r.FormFile("questions_file")
	if err != nil {
		h.respondError(w, r, fmt.Errorf("%w: no file uploaded", common.ErrBadRequest))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}
	ctx := r.Context()
	if _, err := h.store.GetExam(ctx, examID); err != nil {
		h.respondError(w, r, err)
		return
	}
	n, skipped, err := h.store.ImportQuestionFile(ctx, examID, header.Filename, data)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	msg := i18n.Td(ctx, "ImportedQuestions", map[string]any{"Count": n})
	if skipped {
		msg = i18n.T(ctx, "ImportUnchanged")
	}
	slog.Info("uploaded questions via admin", "exam_id", examID, "filename", header.Filename, "count", n, "skipped", skipped)
	common.RespondWithJSON(w, http.StatusOK, map[string]any{"imported": n, "skipped": skipped, "message": msg})
}

func (h *Handler) handleExplainQuestion(w http.ResponseWriter, r *http.Request) {
	if h.explain == nil {
		h.respondError(w, r, errExplainUnavailable)
		return
	}
	questionID, err := pathID(r, "questionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ctx := r.Context()
	q, err := h.store.GetQuestion(ctx, questionID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	e, err := h.store.GetExam(ctx, q.ExamID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	text, err := h.explain.Explain(ctx, e.Subject, *q)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("draft explanation: %w: %v", common.ErrServiceUnavailable, err))
		return
	}
	if err := h.store.SetExplanation(ctx, q.ID, text); err != nil {
		h.respondError(w, r, err)
		return
	}
	q.Explanation = text
	common.RespondWithJSON(w, http.StatusOK, q)
}

func (h *Handler) handleExplainMissing(w http.ResponseWriter, r *http.Request) {
	if h.explain == nil {
		h.respondError(w, r, errExplainUnavailable)
		return
	}
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	done, failed, err := h.explain.ExplainMissing(r.Context(), h.store, examID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, map[string]int{"explained": done, "failed": failed})
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	attempts, err := h.store.ListAttemptsForExam(r.Context(), examID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, attempts)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out, err := h.exams.Export(r.Context(), examID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="exam-%d-results.json"`, examID))
	common.RespondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, users)
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	ctx := r.Context()
	if req.VillageID != nil {
		if _, err := h.store.GetVillage(ctx, *req.VillageID); err != nil {
			h.respondError(w, r, err)
			return
		}
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
		Role:         model.UserRole(req.Role),
		VillageID:    req.VillageID,
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
	u, err := h.store.GetUserByID(ctx, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, u)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if userID == currentUser(r).ID {
		h.respondError(w, r, fmt.Errorf("%w: cannot deactivate yourself", common.ErrValidation))
		return
	}
	if err := h.store.ToggleUserActive(r.Context(), userID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetUserVillage(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req userVillageRequest
	if err := h.decode(w, r, &req, maxJSONBody); err != nil {
		h.respondError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := h.store.GetVillage(ctx, req.VillageID); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.store.SetUserVillage(ctx, userID, req.VillageID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.snaps == nil {
		h.respondError(w, r, fmt.Errorf("snapshots are not served by this backend: %w", common.ErrNotFound))
		return
	}
	data, err := h.snaps.Get(chi.URLParam(r, "*"))
	if errors.Is(err, fs.ErrNotExist) {
		h.respondError(w, r, fmt.Errorf("snapshot: %w", common.ErrNotFound))
		return
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}
