package exam

import (
	"context"
	"errors"
	"testing"

	"github.com/pavelanni/gramportal/internal/model"
	"github.com/spf13/afero"
)

func TestControllerHappyPath(t *testing.T) {
	f := newFixture(t, 20, 5)
	ctx := context.Background()

	c, err := f.svc.Open(ctx, f.user, f.exam.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.State() != StatePledgePending {
		t.Fatalf("expected pledge_pending, got %s", c.State())
	}

	// Declining the pledge is a validation error with no state change.
	if err := c.AcceptPledge(false); !errors.Is(err, ErrPledgeRequired) {
		t.Fatalf("expected ErrPledgeRequired, got %v", err)
	}
	if c.State() != StatePledgePending {
		t.Fatalf("state changed after declined pledge: %s", c.State())
	}
	if err := c.CaptureStart(ctx, &fakeCamera{}); !errors.Is(err, ErrPledgeRequired) {
		t.Fatalf("expected camera step to require the pledge, got %v", err)
	}
	if err := c.AcceptPledge(true); err != nil {
		t.Fatalf("AcceptPledge: %v", err)
	}
	if c.State() != StateCameraPending {
		t.Fatalf("expected camera_pending, got %s", c.State())
	}

	cam := &fakeCamera{}
	if err := c.CaptureStart(ctx, cam); err != nil {
		t.Fatalf("CaptureStart: %v", err)
	}
	if cam.opened != 1 || cam.closed != 1 {
		t.Errorf("camera opened %d closed %d, want 1/1", cam.opened, cam.closed)
	}
	v := c.View()
	if v.State != StateInProgress || v.Total != 5 || v.Remaining != 60 {
		t.Fatalf("unexpected view %+v", v)
	}
	if v.Question == nil || v.Question.Text == "" {
		t.Fatal("expected the first question in the view")
	}

	a, err := f.st.GetAttempt(ctx, v.AttemptID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if !a.IntegrityPledgeAccepted || a.TotalQuestions != 5 || a.StartSnapshot == "" || a.StudentName != "Student asha" {
		t.Errorf("unexpected attempt %+v", a)
	}
	if ok, _ := afero.Exists(f.fs, "/snapshots/"+a.StartSnapshot); !ok {
		t.Errorf("start snapshot %q not stored", a.StartSnapshot)
	}

	answer(t, c, 3, 1)
	endCam := &fakeCamera{}
	if err := c.Submit(ctx, endCam); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if endCam.closed != 1 {
		t.Error("end camera not released")
	}
	v = c.View()
	if v.State != StateCompleted || v.Result == nil {
		t.Fatalf("unexpected view after submit %+v", v)
	}
	want := model.Tally{Correct: 3, Wrong: 1, Unanswered: 1, Score: 60}
	if *v.Result != want {
		t.Errorf("result %+v, want %+v", *v.Result, want)
	}

	a, _ = f.st.GetAttempt(ctx, v.AttemptID)
	if a.Status != model.AttemptCompleted || a.Score != 60 || a.EndTime == nil || a.EndSnapshot == "" {
		t.Errorf("unexpected stored attempt %+v", a)
	}
	answers, _ := f.st.ListAnswers(ctx, a.ID)
	if len(answers) != 5 {
		t.Errorf("expected 5 answer rows, got %d", len(answers))
	}

	waitFor(t, "timer stop", func() bool { return f.stops.Load() == 1 })
	if err := c.Submit(ctx, nil); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted, got %v", err)
	}
	if err := c.Select(model.OptionA); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted on select, got %v", err)
	}
}

func TestControllerNavigationKeepsSelection(t *testing.T) {
	f := newFixture(t, 10, 4)
	c := f.start(t, f.user)
	defer c.Close()

	if err := c.Select(model.OptionC); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := c.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if v := c.View(); v.Cursor != 1 || v.Selected != nil {
		t.Fatalf("expected unanswered question 1, got %+v", v)
	}
	if err := c.Jump(3); err != nil {
		t.Fatalf("Jump: %v", err)
	}
	if err := c.Next(); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange past the end, got %v", err)
	}
	if err := c.Jump(-1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange for -1, got %v", err)
	}
	if err := c.Jump(0); err != nil {
		t.Fatalf("Jump(0): %v", err)
	}
	if err := c.Prev(); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange before the start, got %v", err)
	}

	v := c.View()
	if v.Selected == nil || *v.Selected != model.OptionC {
		t.Fatalf("selection lost on revisit: %+v", v.Selected)
	}
	if !v.Answered[0] || v.Answered[1] || v.Answered[2] || v.Answered[3] {
		t.Errorf("unexpected answered grid %v", v.Answered)
	}

	if err := c.Select("E"); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("expected ErrInvalidOption, got %v", err)
	}
	if v := c.View(); *v.Selected != model.OptionC {
		t.Error("invalid option overwrote the selection")
	}
}

func TestControllerCameraFailure(t *testing.T) {
	tests := []struct {
		name       string
		cam        *fakeCamera
		wantClosed int
	}{
		{"permission denied", &fakeCamera{openErr: ErrPermissionDenied}, 0},
		{"frame capture fails", &fakeCamera{frameErr: errors.New("device busy")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5, 5)
			ctx := context.Background()
			c, _ := f.svc.Open(ctx, f.user, f.exam.ID)
			_ = c.AcceptPledge(true)

			err := c.CaptureStart(ctx, tt.cam)
			if !errors.Is(err, ErrCameraUnavailable) {
				t.Fatalf("expected ErrCameraUnavailable, got %v", err)
			}
			if tt.cam.closed != tt.wantClosed {
				t.Errorf("stream closed %d times, want %d", tt.cam.closed, tt.wantClosed)
			}
			if c.State() != StateFailed {
				t.Errorf("expected failed, got %s", c.State())
			}
			if has, _ := f.st.HasAttempt(ctx, f.exam.ID, f.user.ID); has {
				t.Error("attempt created despite camera failure")
			}
			if err := c.CaptureStart(ctx, &fakeCamera{}); !errors.Is(err, ErrInvalidState) {
				t.Errorf("expected failed session to stay failed, got %v", err)
			}

			// A new session can be opened afterwards.
			c2, err := f.svc.Open(ctx, f.user, f.exam.ID)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			if c2.ID() == c.ID() {
				t.Error("expected a fresh session after failure")
			}
		})
	}
}

func TestControllerEmptyPool(t *testing.T) {
	f := newFixture(t, 0, 5)
	ctx := context.Background()
	c, _ := f.svc.Open(ctx, f.user, f.exam.ID)
	_ = c.AcceptPledge(true)
	if err := c.CaptureStart(ctx, &fakeCamera{}); !errors.Is(err, ErrNoQuestions) {
		t.Fatalf("expected ErrNoQuestions, got %v", err)
	}
	if has, _ := f.st.HasAttempt(ctx, f.exam.ID, f.user.ID); has {
		t.Error("attempt created for empty pool")
	}
}

func TestControllerPoolShortfall(t *testing.T) {
	f := newFixture(t, 3, 5)
	c := f.start(t, f.user)
	defer c.Close()
	if v := c.View(); v.Total != 3 {
		t.Errorf("expected the 3 available questions, got %d", v.Total)
	}
}

func TestControllerAttemptCreatedConcurrently(t *testing.T) {
	f := newFixture(t, 5, 5)
	ctx := context.Background()
	c, _ := f.svc.Open(ctx, f.user, f.exam.ID)
	_ = c.AcceptPledge(true)

	// Another process inserts the attempt between entry check and capture.
	if _, err := f.st.CreateAttempt(ctx, model.Attempt{
		ExamID: f.exam.ID, UserID: f.user.ID, StudentName: "x", TotalQuestions: 5, StartTime: f.svc.now(),
	}); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if err := c.CaptureStart(ctx, &fakeCamera{}); !errors.Is(err, ErrAttemptExists) {
		t.Fatalf("expected ErrAttemptExists, got %v", err)
	}
	if c.State() != StateFailed {
		t.Errorf("expected failed, got %s", c.State())
	}
}

func TestControllerTimeoutMatchesManualSubmit(t *testing.T) {
	f := newFixture(t, 10, 5)
	ctx := context.Background()

	manual := f.start(t, f.user)
	answer(t, manual, 2, 2)
	if err := manual.Submit(ctx, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "manual timer stop", func() bool { return f.stops.Load() == 1 })

	other := f.addUser(t, "ravi", model.UserRoleStudent)
	timed := f.start(t, other)
	answer(t, timed, 2, 2)
	f.tick(59)
	waitFor(t, "countdown", func() bool { return timed.View().Remaining == 1 })
	if timed.State() != StateInProgress {
		t.Fatalf("submitted early: %s", timed.State())
	}
	f.tick(1)
	waitFor(t, "auto-submit", func() bool { return timed.State() == StateCompleted })

	mv, tv := manual.View(), timed.View()
	if *mv.Result != *tv.Result {
		t.Errorf("manual %+v and timed %+v results differ", *mv.Result, *tv.Result)
	}
	want := model.Tally{Correct: 2, Wrong: 2, Unanswered: 1, Score: 40}
	if *tv.Result != want {
		t.Errorf("timed result %+v, want %+v", *tv.Result, want)
	}
	a, _ := f.st.GetAttempt(ctx, tv.AttemptID)
	if a.Status != model.AttemptCompleted || a.EndSnapshot != "" {
		t.Errorf("unexpected auto-submitted attempt %+v", a)
	}
}

func TestControllerNothingAnsweredBeforeTimeout(t *testing.T) {
	f := newFixture(t, 5, 5)
	c := f.start(t, f.user)
	f.tick(60)
	waitFor(t, "auto-submit", func() bool { return c.State() == StateCompleted })
	want := model.Tally{Unanswered: 5}
	if got := *c.View().Result; got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestControllerSubmitBusy(t *testing.T) {
	f := newFixture(t, 5, 5)
	ctx := context.Background()
	c := f.start(t, f.user)

	f.st.entered = make(chan struct{})
	f.st.gate = make(chan struct{})
	errc := make(chan error, 1)
	go func() { errc <- c.Submit(ctx, nil) }()
	<-f.st.entered

	if err := c.Submit(ctx, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if err := c.Select(model.OptionA); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy on select while submitting, got %v", err)
	}
	if v := c.View(); v.State != StateSubmitting {
		t.Errorf("expected submitting, got %s", v.State)
	}
	close(f.st.gate)
	if err := <-errc; err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := f.st.calls.Load(); got != 1 {
		t.Errorf("expected one finalize call, got %d", got)
	}
}

func TestControllerSubmitFailureAllowsRetry(t *testing.T) {
	f := newFixture(t, 5, 5)
	ctx := context.Background()
	c := f.start(t, f.user)
	answer(t, c, 1, 0)

	f.st.failures.Store(1)
	if err := c.Submit(ctx, nil); err == nil {
		t.Fatal("expected submit error")
	}
	v := c.View()
	if v.State != StateInProgress || v.Error == "" {
		t.Fatalf("expected in_progress with error, got %+v", v)
	}
	if has, _ := f.st.HasAttempt(ctx, f.exam.ID, f.user.ID); !has {
		t.Fatal("attempt row should still exist")
	}
	a, _ := f.st.GetAttempt(ctx, v.AttemptID)
	if a.EndTime != nil {
		t.Fatal("failed submit must not finalize the attempt")
	}

	// The countdown is running again and answers survived.
	waitFor(t, "first timer stop", func() bool { return f.stops.Load() == 1 })
	f.tick(1)
	waitFor(t, "countdown resumes", func() bool { return c.View().Remaining == 59 })
	if err := c.Submit(ctx, nil); err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if got := c.View().Result.Correct; got != 1 {
		t.Errorf("expected 1 correct after retry, got %d", got)
	}
}

func TestControllerTimeOverAfterFailedAutoSubmit(t *testing.T) {
	f := newFixture(t, 5, 5)
	ctx := context.Background()
	c := f.start(t, f.user)

	f.st.failures.Store(1)
	f.tick(60)
	waitFor(t, "auto-submit attempt", func() bool {
		return f.st.calls.Load() == 1 && c.State() == StateInProgress
	})

	if err := c.Select(model.OptionA); !errors.Is(err, ErrTimeOver) {
		t.Errorf("expected ErrTimeOver on select, got %v", err)
	}
	if err := c.Next(); !errors.Is(err, ErrTimeOver) {
		t.Errorf("expected ErrTimeOver on navigate, got %v", err)
	}
	if !c.View().TimeOver {
		t.Error("expected time_over in view")
	}
	if err := c.Submit(ctx, nil); err != nil {
		t.Fatalf("Submit after time over: %v", err)
	}
	if c.State() != StateCompleted {
		t.Errorf("expected completed, got %s", c.State())
	}
}

func TestControllerSubmitLockHeldElsewhere(t *testing.T) {
	f := newFixture(t, 5, 5)
	ctx := context.Background()
	c := f.start(t, f.user)
	defer c.Close()

	release, err := f.svc.locker.Acquire(ctx, "attempt:1:submit", f.svc.cfg.SubmitLockTTL)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()
	if c.AttemptID() != 1 {
		t.Fatalf("expected attempt 1, got %d", c.AttemptID())
	}
	if err := c.Submit(ctx, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if c.State() != StateInProgress {
		t.Errorf("expected in_progress, got %s", c.State())
	}
}
