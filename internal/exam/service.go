// Package exam implements the timed online exam: eligibility, the session
// state machine, question drawing, scoring and result review.
package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/lock"
	"github.com/pavelanni/gramportal/internal/model"
	"github.com/pavelanni/gramportal/internal/snapshot"
	"github.com/pavelanni/gramportal/internal/store"
)

// Store is the subset of the record store the exam flow needs.
type Store interface {
	GetVillage(ctx context.Context, id int64) (*model.Village, error)
	GetExam(ctx context.Context, id int64) (*model.Exam, error)
	ListExams(ctx context.Context, villageID int64) ([]model.Exam, error)
	ListQuestions(ctx context.Context, examID int64) ([]model.Question, error)
	GetQuestionsByIDs(ctx context.Context, ids []int64) (map[int64]model.Question, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	HasAttempt(ctx context.Context, examID, userID int64) (bool, error)
	CreateAttempt(ctx context.Context, a model.Attempt) (int64, error)
	GetAttempt(ctx context.Context, id int64) (*model.Attempt, error)
	ListAttemptsForUser(ctx context.Context, userID int64) ([]model.Attempt, error)
	ListAttemptsForExam(ctx context.Context, examID int64) ([]model.Attempt, error)
	ListUnfinishedAttempts(ctx context.Context) ([]model.Attempt, error)
	FinalizeAttempt(ctx context.Context, a model.Attempt, answers []model.Answer) error
	ListAnswers(ctx context.Context, attemptID int64) ([]model.Answer, error)
}

// Service is the entry point of the exam flow. Village and user context is
// always passed in explicitly.
type Service struct {
	store    Store
	snaps    snapshot.Store
	locker   lock.Locker
	selector *Selector
	registry *Registry
	cfg      model.ExamConfig
	now      func() time.Time
	ticker   TickerFunc
}

func NewService(st Store, snaps snapshot.Store, locker lock.Locker, cfg model.ExamConfig) *Service {
	if locker == nil {
		locker = lock.NewMemory()
	}
	if cfg.SubmitLockTTL <= 0 {
		cfg.SubmitLockTTL = 30 * time.Second
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = 30 * time.Minute
	}
	return &Service{
		store:    st,
		snaps:    snaps,
		locker:   locker,
		selector: NewSelector(nil),
		registry: NewRegistry(cfg.SessionRetention),
		cfg:      cfg,
		now:      time.Now,
		ticker:   systemTicker,
	}
}

// Registry exposes the live sessions.
func (s *Service) Registry() *Registry { return s.registry }

// villageFor resolves the village whose exams a user may take.
func (s *Service) villageFor(u *model.User) int64 {
	if u.VillageID != nil {
		return *u.VillageID
	}
	return s.cfg.DefaultVillageID
}

// checkVillage fails when the village has the exams page switched off.
func (s *Service) checkVillage(ctx context.Context, villageID int64) error {
	v, err := s.store.GetVillage(ctx, villageID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return ErrExamsDisabled
		}
		return err
	}
	if !v.Settings.PageEnabled(model.PageExams) {
		return ErrExamsDisabled
	}
	return nil
}

// Dashboard lists the exams the user can start now and the attempts already made.
func (s *Service) Dashboard(ctx context.Context, u *model.User) (*model.Dashboard, error) {
	villageID := s.villageFor(u)
	if villageID == 0 {
		return nil, ErrExamsDisabled
	}
	if err := s.checkVillage(ctx, villageID); err != nil {
		return nil, err
	}
	exams, err := s.store.ListExams(ctx, villageID)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	attempts, err := s.store.ListAttemptsForUser(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	taken := make(map[int64]bool, len(attempts))
	for _, a := range attempts {
		taken[a.ExamID] = true
	}

	d := &model.Dashboard{Eligible: []model.Exam{}, Attempts: attempts}
	if d.Attempts == nil {
		d.Attempts = []model.Attempt{}
	}
	now := s.now()
	for _, e := range exams {
		if e.Status.Open() && e.WindowOpen(now) && !taken[e.ID] {
			d.Eligible = append(d.Eligible, e)
		}
	}
	return d, nil
}

// Exam returns an exam the user is allowed to see.
func (s *Service) Exam(ctx context.Context, u *model.User, examID int64) (*model.Exam, error) {
	e, err := s.store.GetExam(ctx, examID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}
	if !u.IsAdmin() && e.VillageID != s.villageFor(u) {
		return nil, ErrExamNotFound
	}
	if err := s.checkVillage(ctx, e.VillageID); err != nil {
		return nil, err
	}
	return e, nil
}

// Open starts an exam session for the user, or returns the one already running.
// A user who already has an attempt for the exam is refused.
func (s *Service) Open(ctx context.Context, u *model.User, examID int64) (*Controller, error) {
	e, err := s.Exam(ctx, u, examID)
	if err != nil {
		return nil, err
	}
	if !e.Status.Open() || !e.WindowOpen(s.now()) {
		return nil, ErrExamClosed
	}
	if c, ok := s.registry.Live(e.ID, u.ID); ok {
		return c, nil
	}
	has, err := s.store.HasAttempt(ctx, e.ID, u.ID)
	if err != nil {
		return nil, fmt.Errorf("check attempt: %w", err)
	}
	if has {
		return nil, ErrAttemptExists
	}
	c, created := s.registry.Claim(e.ID, u.ID, func() *Controller { return newController(*e, *u, s) })
	if created {
		slog.Info("exam session opened", "session", c.ID(), "exam_id", e.ID, "user_id", u.ID)
	}
	return c, nil
}

// Session returns a session owned by the user.
func (s *Service) Session(u *model.User, id string) (*Controller, error) {
	c, ok := s.registry.Get(id)
	if !ok || c.UserID() != u.ID {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// Results loads a stored attempt for review. Only the owner and admins may see it.
func (s *Service) Results(ctx context.Context, viewer *model.User, attemptID int64) (*model.AttemptReview, error) {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	if a.UserID != viewer.ID && !viewer.IsAdmin() {
		return nil, ErrAttemptNotFound
	}
	return s.review(ctx, a)
}

func (s *Service) review(ctx context.Context, a *model.Attempt) (*model.AttemptReview, error) {
	e, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load exam: %w", err)
	}
	answers, err := s.store.ListAnswers(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	ids := make([]int64, len(answers))
	for i, ans := range answers {
		ids[i] = ans.QuestionID
	}
	questions, err := s.store.GetQuestionsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}

	r := &model.AttemptReview{Attempt: *a, Exam: *e, Items: make([]model.ReviewItem, 0, len(answers))}
	for _, ans := range answers {
		q, ok := questions[ans.QuestionID]
		if !ok {
			q = model.Question{ID: ans.QuestionID}
		}
		r.Items = append(r.Items, model.ReviewItem{
			Position:       ans.Position,
			Question:       q,
			SelectedOption: ans.SelectedOption,
			IsCorrect:      ans.IsCorrect,
			Missing:        !ok,
		})
	}
	return r, nil
}

// Reconcile finishes attempts whose time plus grace has run out. A session
// still held in memory is submitted with its answers; otherwise the attempt
// is marked expired with nothing answered.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	now := s.now()
	pruned := s.registry.Prune(now)
	if pruned > 0 {
		slog.Debug("pruned finished sessions", "count", pruned)
	}

	attempts, err := s.store.ListUnfinishedAttempts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished attempts: %w", err)
	}
	exams := make(map[int64]*model.Exam)
	n := 0
	for _, a := range attempts {
		e, ok := exams[a.ExamID]
		if !ok {
			e, err = s.store.GetExam(ctx, a.ExamID)
			if err != nil {
				return n, fmt.Errorf("load exam %d: %w", a.ExamID, err)
			}
			exams[a.ExamID] = e
		}
		if now.Before(a.StartTime.Add(e.Duration() + s.cfg.AttemptGrace)) {
			continue
		}

		if c, ok := s.registry.ForAttempt(a.ID); ok {
			if err := c.submit(ctx, nil); err != nil && !errors.Is(err, ErrAlreadySubmitted) {
				slog.Error("failed to submit overdue session", "attempt_id", a.ID, "error", err)
				continue
			}
			n++
			continue
		}

		end := now.UTC()
		a.EndTime = &end
		a.Status = model.AttemptExpired
		a.Score, a.CorrectAnswers, a.WrongAnswers = 0, 0, 0
		a.Unanswered = a.TotalQuestions
		if err := s.store.FinalizeAttempt(ctx, a, nil); err != nil {
			if errors.Is(err, store.ErrAttemptFinalized) {
				continue
			}
			return n, fmt.Errorf("expire attempt %d: %w", a.ID, err)
		}
		slog.Info("expired abandoned attempt", "attempt_id", a.ID, "exam_id", a.ExamID, "user_id", a.UserID)
		n++
	}
	return n, nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := s.Reconcile(ctx); err != nil {
				slog.Error("reconcile failed", "error", err)
			} else if n > 0 {
				slog.Info("reconciled attempts", "count", n)
			}
		}
	}
}

// Export collects every attempt of an exam with its per-question review.
func (s *Service) Export(ctx context.Context, examID int64) (*model.ExamExport, error) {
	e, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttemptsForExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	out := &model.ExamExport{
		ExamID:       e.ID,
		Title:        e.Title,
		Subject:      e.Subject,
		ScheduledAt:  e.ScheduledAt,
		NumQuestions: e.TotalQuestions,
		ExportedAt:   s.now().UTC(),
		Results:      make([]model.StudentResult, 0, len(attempts)),
	}
	for i := range attempts {
		a := &attempts[i]
		r, err := s.review(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", a.ID, err)
		}
		sr := model.StudentResult{
			AttemptID:      a.ID,
			StudentName:    a.StudentName,
			Status:         a.Status,
			StartTime:      a.StartTime,
			EndTime:        a.EndTime,
			Score:          a.Score,
			CorrectAnswers: a.CorrectAnswers,
			WrongAnswers:   a.WrongAnswers,
			Unanswered:     a.Unanswered,
			Questions:      make([]model.QuestionResult, 0, len(r.Items)),
		}
		if u, err := s.store.GetUserByID(ctx, a.UserID); err == nil && u != nil {
			sr.Username = u.Username
		}
		for _, it := range r.Items {
			sr.Questions = append(sr.Questions, model.QuestionResult{
				Text:           it.Question.Text,
				Difficulty:     it.Question.Difficulty,
				CorrectOption:  it.Question.CorrectOption,
				SelectedOption: it.SelectedOption,
				IsCorrect:      it.IsCorrect,
			})
		}
		out.Results = append(out.Results, sr)
	}
	return out, nil
}
