package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/lock"
	"github.com/pavelanni/gramportal/internal/model"
	"github.com/pavelanni/gramportal/internal/snapshot"
	"github.com/pavelanni/gramportal/internal/store"
)

// State is a step of the exam session.
type State string

const (
	StatePledgePending State = "pledge_pending"
	StateCameraPending State = "camera_pending"
	StateInProgress    State = "in_progress"
	StateSubmitting    State = "submitting"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Finished reports whether the session can no longer change.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

const autoSubmitTimeout = 30 * time.Second

// TickerFunc returns a channel that ticks every d and a func that stops it.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func systemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Controller drives one user's sitting of one exam, from the pledge to the
// persisted result. All methods are safe for concurrent use.
type Controller struct {
	id       string
	exam     model.Exam
	user     model.User
	store    Store
	snaps    snapshot.Store
	locker   lock.Locker
	selector *Selector
	cfg      model.ExamConfig
	now      func() time.Time
	ticker   TickerFunc

	mu          sync.Mutex
	state       State
	pledged     bool
	busy        bool
	attempt     model.Attempt
	questions   []model.Question
	selections  map[int64]model.Option
	cursor      int
	remaining   int
	result      *model.Tally
	lastErr     error
	finishedAt  time.Time
	cancelTimer context.CancelFunc
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) ExamID() int64 { return c.exam.ID }

func (c *Controller) UserID() int64 { return c.user.ID }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AttemptID returns the attempt row id, or 0 before the camera step.
func (c *Controller) AttemptID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt.ID
}

// AcceptPledge moves past the integrity pledge. Declining leaves the state unchanged.
func (c *Controller) AcceptPledge(accepted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePledgePending {
		return c.stateErrLocked()
	}
	if !accepted {
		return ErrPledgeRequired
	}
	c.pledged = true
	c.state = StateCameraPending
	return nil
}

// CaptureStart takes the start snapshot, draws the questions, creates the
// attempt row and starts the countdown. A camera failure ends the session
// without creating an attempt.
func (c *Controller) CaptureStart(ctx context.Context, cam Camera) error {
	c.mu.Lock()
	if c.state != StateCameraPending {
		err := c.stateErrLocked()
		c.mu.Unlock()
		return err
	}
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	img, err := captureStill(ctx, cam)
	if err != nil {
		c.fail(err)
		return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	ref, err := c.snaps.Put(ctx, snapshot.Key(c.exam.ID, c.user.ID, snapshot.PhaseStart, img), img)
	if err != nil {
		return fmt.Errorf("store start snapshot: %w", err)
	}

	pool, err := c.store.ListQuestions(ctx, c.exam.ID)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	drawn := c.selector.Draw(pool, c.exam.TotalQuestions)
	if len(drawn) == 0 {
		c.fail(ErrNoQuestions)
		return ErrNoQuestions
	}

	a := model.Attempt{
		ExamID:                  c.exam.ID,
		UserID:                  c.user.ID,
		StudentName:             studentName(c.user),
		TotalQuestions:          len(drawn),
		IntegrityPledgeAccepted: c.pledged,
		StartSnapshot:           ref,
		StartTime:               c.now().UTC(),
		Status:                  model.AttemptInProgress,
	}
	a.ID, err = c.store.CreateAttempt(ctx, a)
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			c.fail(ErrAttemptExists)
			return ErrAttemptExists
		}
		return fmt.Errorf("create attempt: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = a
	c.questions = drawn
	c.selections = make(map[int64]model.Option, len(drawn))
	c.cursor = 0
	c.remaining = int(c.exam.Duration() / time.Second)
	c.state = StateInProgress
	c.lastErr = nil
	c.startTimerLocked()
	slog.Info("exam session started", "session", c.id, "attempt_id", a.ID, "questions", len(drawn), "seconds", c.remaining)
	return nil
}

// Select records opt for the question under the cursor.
func (c *Controller) Select(opt model.Option) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActiveLocked(); err != nil {
		return err
	}
	if !opt.Valid() {
		return ErrInvalidOption
	}
	c.selections[c.questions[c.cursor].ID] = opt
	return nil
}

// Next moves the cursor forward by one.
func (c *Controller) Next() error { return c.move(func(i int) int { return i + 1 }) }

// Prev moves the cursor back by one.
func (c *Controller) Prev() error { return c.move(func(i int) int { return i - 1 }) }

// Jump moves the cursor to question i.
func (c *Controller) Jump(i int) error { return c.move(func(int) int { return i }) }

func (c *Controller) move(to func(int) int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActiveLocked(); err != nil {
		return err
	}
	i := to(c.cursor)
	if i < 0 || i >= len(c.questions) {
		return ErrOutOfRange
	}
	c.cursor = i
	return nil
}

// Submit scores and persists the attempt. cam, when non-nil, provides the end snapshot.
func (c *Controller) Submit(ctx context.Context, cam Camera) error {
	return c.submit(ctx, cam)
}

func (c *Controller) submit(ctx context.Context, cam Camera) error {
	c.mu.Lock()
	switch c.state {
	case StateInProgress:
	case StateSubmitting:
		c.mu.Unlock()
		return ErrBusy
	default:
		err := c.stateErrLocked()
		c.mu.Unlock()
		return err
	}
	c.state = StateSubmitting
	c.stopTimerLocked()
	a := c.attempt
	questions := c.questions
	selections := maps.Clone(c.selections)
	c.mu.Unlock()

	final, tally, err := c.persist(ctx, cam, a, questions, selections)

	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(err, store.ErrAttemptFinalized) {
		c.state = StateCompleted
		c.finishedAt = c.now()
		return ErrAlreadySubmitted
	}
	if err != nil {
		c.state = StateInProgress
		c.lastErr = err
		if c.remaining > 0 {
			c.startTimerLocked()
		}
		slog.Error("failed to submit attempt", "session", c.id, "attempt_id", a.ID, "error", err)
		return err
	}
	c.attempt = final
	c.result = &tally
	c.lastErr = nil
	c.state = StateCompleted
	c.finishedAt = c.now()
	return nil
}

func (c *Controller) persist(ctx context.Context, cam Camera, a model.Attempt,
	questions []model.Question, selections map[int64]model.Option) (model.Attempt, model.Tally, error) {
	release, err := c.locker.Acquire(ctx, fmt.Sprintf("attempt:%d:submit", a.ID), c.cfg.SubmitLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return a, model.Tally{}, ErrBusy
		}
		return a, model.Tally{}, fmt.Errorf("acquire submit lock: %w", err)
	}
	defer release()

	tally := Score(questions, selections)
	if cam != nil {
		a.EndSnapshot = c.endSnapshot(ctx, cam)
	}
	end := c.now().UTC()
	a.EndTime = &end
	a.Score = tally.Score
	a.CorrectAnswers = tally.Correct
	a.WrongAnswers = tally.Wrong
	a.Unanswered = tally.Unanswered
	a.Status = model.AttemptCompleted

	if err := c.store.FinalizeAttempt(ctx, a, answersFor(questions, selections)); err != nil {
		return a, tally, err
	}
	slog.Info("attempt submitted", "session", c.id, "attempt_id", a.ID, "score", tally.Score,
		"correct", tally.Correct, "wrong", tally.Wrong, "unanswered", tally.Unanswered)
	return a, tally, nil
}

// endSnapshot is best effort: a missing end frame never blocks submission.
func (c *Controller) endSnapshot(ctx context.Context, cam Camera) string {
	img, err := captureStill(ctx, cam)
	if err != nil {
		slog.Warn("end snapshot not captured", "session", c.id, "error", err)
		return ""
	}
	ref, err := c.snaps.Put(ctx, snapshot.Key(c.exam.ID, c.user.ID, snapshot.PhaseEnd, img), img)
	if err != nil {
		slog.Warn("end snapshot not stored", "session", c.id, "error", err)
		return ""
	}
	return ref
}

// Close stops the countdown. An unfinished attempt is left for the reconciler.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateFailed
	c.lastErr = err
	c.finishedAt = c.now()
	slog.Warn("exam session failed", "session", c.id, "exam_id", c.exam.ID, "user_id", c.user.ID, "error", err)
}

func (c *Controller) checkActiveLocked() error {
	if c.state != StateInProgress {
		return c.stateErrLocked()
	}
	if c.remaining <= 0 {
		return ErrTimeOver
	}
	return nil
}

func (c *Controller) stateErrLocked() error {
	switch c.state {
	case StatePledgePending:
		return ErrPledgeRequired
	case StateSubmitting:
		return ErrBusy
	case StateCompleted:
		return ErrAlreadySubmitted
	}
	return ErrInvalidState
}

func (c *Controller) startTimerLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelTimer = cancel
	ticks, stop := c.ticker(time.Second)
	go c.countdown(ctx, ticks, stop)
}

func (c *Controller) stopTimerLocked() {
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
}

func (c *Controller) countdown(ctx context.Context, ticks <-chan time.Time, stop func()) {
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}
		c.mu.Lock()
		if ctx.Err() != nil || c.state != StateInProgress {
			c.mu.Unlock()
			return
		}
		if c.remaining > 0 {
			c.remaining--
		}
		expired := c.remaining == 0
		c.mu.Unlock()

		if expired {
			c.autoSubmit()
			return
		}
	}
}

func (c *Controller) autoSubmit() {
	ctx, cancel := context.WithTimeout(context.Background(), autoSubmitTimeout)
	defer cancel()
	slog.Info("time over, submitting", "session", c.id)
	if err := c.submit(ctx, nil); err != nil && !errors.Is(err, ErrAlreadySubmitted) {
		slog.Error("auto-submit failed", "session", c.id, "error", err)
	}
}

// SessionView is the client-facing snapshot of a controller.
type SessionView struct {
	ID        string              `json:"id"`
	ExamID    int64               `json:"exam_id"`
	ExamTitle string              `json:"exam_title"`
	State     State               `json:"state"`
	AttemptID int64               `json:"attempt_id,omitempty"`
	Cursor    int                 `json:"cursor"`
	Total     int                 `json:"total"`
	Remaining int                 `json:"remaining_seconds"`
	Question  *model.QuestionView `json:"question,omitempty"`
	Selected  *model.Option       `json:"selected,omitempty"`
	Answered  []bool              `json:"answered,omitempty"`
	TimeOver  bool                `json:"time_over,omitempty"`
	Result    *model.Tally        `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// View returns the session as the student should see it. Correct options are never included.
func (c *Controller) View() SessionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := SessionView{
		ID:        c.id,
		ExamID:    c.exam.ID,
		ExamTitle: c.exam.Title,
		State:     c.state,
		AttemptID: c.attempt.ID,
		Cursor:    c.cursor,
		Total:     len(c.questions),
		Remaining: c.remaining,
		Result:    c.result,
	}
	if c.lastErr != nil {
		v.Error = c.lastErr.Error()
	}
	if c.state == StateInProgress || c.state == StateSubmitting {
		v.TimeOver = c.remaining <= 0
		var qv model.QuestionView
		if err := copier.Copy(&qv, &c.questions[c.cursor]); err == nil {
			v.Question = &qv
		}
		if sel, ok := c.selections[c.questions[c.cursor].ID]; ok {
			v.Selected = &sel
		}
		v.Answered = make([]bool, len(c.questions))
		for i, q := range c.questions {
			_, v.Answered[i] = c.selections[q.ID]
		}
	}
	return v
}

func newController(exam model.Exam, user model.User, svc *Service) *Controller {
	return &Controller{
		id:       uuid.NewString(),
		exam:     exam,
		user:     user,
		store:    svc.store,
		snaps:    svc.snaps,
		locker:   svc.locker,
		selector: svc.selector,
		cfg:      svc.cfg,
		now:      svc.now,
		ticker:   svc.ticker,
		state:    StatePledgePending,
	}
}

func studentName(u model.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
