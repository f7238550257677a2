package exam

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/gramportal/internal/lock"
	"github.com/pavelanni/gramportal/internal/model"
	"github.com/pavelanni/gramportal/internal/snapshot"
	"github.com/pavelanni/gramportal/internal/store"
	"github.com/spf13/afero"
)

var testImage = snapshot.Image{Data: []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), ContentType: "image/png"}

// hookStore lets tests fail or pause FinalizeAttempt.
type hookStore struct {
	*store.Store
	failures atomic.Int32
	calls    atomic.Int32
	entered  chan struct{}
	gate     chan struct{}
}

func (h *hookStore) FinalizeAttempt(ctx context.Context, a model.Attempt, answers []model.Answer) error {
	h.calls.Add(1)
	if h.entered != nil {
		h.entered <- struct{}{}
		<-h.gate
	}
	if h.failures.Load() > 0 {
		h.failures.Add(-1)
		return errors.New("connection reset by peer")
	}
	return h.Store.FinalizeAttempt(ctx, a, answers)
}

type fakeCamera struct {
	openErr  error
	frameErr error
	opened   int
	closed   int
}

func (c *fakeCamera) Open(ctx context.Context) (Stream, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.opened++
	return &fakeStream{cam: c}, nil
}

type fakeStream struct{ cam *fakeCamera }

func (s *fakeStream) Frame(ctx context.Context) (snapshot.Image, error) {
	if s.cam.frameErr != nil {
		return snapshot.Image{}, s.cam.frameErr
	}
	return testImage, nil
}

func (s *fakeStream) Close() error {
	s.cam.closed++
	return nil
}

type fixture struct {
	st      *hookStore
	fs      afero.Fs
	svc     *Service
	village int64
	exam    model.Exam
	user    *model.User
	ticks   chan time.Time
	stops   atomic.Int32
}

// newFixture builds a village with one active one-minute exam drawing k of poolSize questions.
func newFixture(t *testing.T, poolSize, k int) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{st: &hookStore{Store: st}, fs: afero.NewMemMapFs(), ticks: make(chan time.Time)}
	f.village, err = st.CreateVillage(ctx, model.Village{Name: "Rampur"})
	if err != nil {
		t.Fatalf("CreateVillage: %v", err)
	}
	start := time.Now().UTC().Add(-time.Hour)
	examID, err := st.CreateExam(ctx, model.Exam{
		VillageID:       f.village,
		Title:           "GK Quiz",
		Subject:         model.SubjectGK,
		TotalQuestions:  k,
		DurationMinutes: 1,
		ScheduledAt:     start,
		EndsAt:          start.Add(3 * time.Hour),
		Status:          model.ExamActive,
	})
	if err != nil {
		t.Fatalf("CreateExam: %v", err)
	}
	e, _ := st.GetExam(ctx, examID)
	f.exam = *e

	keys := []model.Option{model.OptionA, model.OptionB, model.OptionC, model.OptionD}
	for i := 0; i < poolSize; i++ {
		_, err := st.InsertQuestion(ctx, model.Question{
			ExamID: examID, Text: fmt.Sprintf("Question %d", i+1),
			OptionA: "a", OptionB: "b", OptionC: "c", OptionD: "d",
			CorrectOption: keys[i%4], Explanation: fmt.Sprintf("Because %d", i+1),
		})
		if err != nil {
			t.Fatalf("InsertQuestion: %v", err)
		}
	}
	f.user = f.addUser(t, "asha", model.UserRoleStudent)

	f.svc = NewService(f.st, snapshot.NewFSStore(f.fs, "/snapshots"), lock.NewMemory(), model.ExamConfig{AttemptGrace: time.Minute})
	f.svc.selector = NewSelector(rand.New(rand.NewPCG(1, 2)))
	f.svc.ticker = func(time.Duration) (<-chan time.Time, func()) {
		return f.ticks, func() { f.stops.Add(1) }
	}
	return f
}

func (f *fixture) addUser(t *testing.T, username string, role model.UserRole) *model.User {
	t.Helper()
	ctx := context.Background()
	vid := f.village
	id, err := f.st.CreateUser(ctx, model.User{
		Username: username, DisplayName: "Student " + username, PasswordHash: "x",
		Role: role, VillageID: &vid, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, _ := f.st.GetUserByID(ctx, id)
	return u
}

// start opens a session for u and takes it to in_progress.
func (f *fixture) start(t *testing.T, u *model.User) *Controller {
	t.Helper()
	ctx := context.Background()
	c, err := f.svc.Open(ctx, u, f.exam.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.AcceptPledge(true); err != nil {
		t.Fatalf("AcceptPledge: %v", err)
	}
	if err := c.CaptureStart(ctx, &fakeCamera{}); err != nil {
		t.Fatalf("CaptureStart: %v", err)
	}
	return c
}

// answer selects the correct option for the first `correct` questions and a
// wrong one for the next `wrong`, leaving the rest unanswered.
func answer(t *testing.T, c *Controller, correct, wrong int) {
	t.Helper()
	c.mu.Lock()
	qs := c.questions
	c.mu.Unlock()
	for i := 0; i < correct+wrong; i++ {
		if err := c.Jump(i); err != nil {
			t.Fatalf("Jump(%d): %v", i, err)
		}
		opt := qs[i].CorrectOption
		if i >= correct {
			opt = wrongFor(opt)
		}
		if err := c.Select(opt); err != nil {
			t.Fatalf("Select: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// tick advances the countdown by n seconds.
func (f *fixture) tick(n int) {
	for range n {
		f.ticks <- time.Now()
	}
}
