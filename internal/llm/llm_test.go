package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/gramportal/internal/model"
)

var testQuestion = model.Question{
	ID:            7,
	Text:          "Which river flows through Varanasi?",
	OptionA:       "Yamuna",
	OptionB:       "Ganga",
	OptionC:       "Godavari",
	OptionD:       "Narmada",
	CorrectOption: model.OptionB,
}

// fakeOpenAI answers chat completions with content and lists one model.
func fakeOpenAI(t *testing.T, content string, gotPrompt *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models":
			json.NewEncoder(w).Encode(map[string]any{
				"object": "list",
				"data":   []map[string]any{{"id": "test-model", "object": "model"}},
			})
		case "/v1/chat/completions":
			var req struct {
				Model    string `json:"model"`
				Messages []struct {
					Content string `json:"content"`
				} `json:"messages"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if gotPrompt != nil && len(req.Messages) > 0 {
				*gotPrompt = req.Messages[0].Content
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id":     "cmpl-1",
				"object": "chat.completion",
				"model":  req.Model,
				"choices": []map[string]any{{
					"index":         0,
					"message":       map[string]any{"role": "assistant", "content": content},
					"finish_reason": "stop",
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExplain(t *testing.T) {
	var prompt string
	srv := fakeOpenAI(t, `{"explanation": "  Varanasi lies on the banks of the Ganga. "}`, &prompt)
	c := New(srv.URL+"/v1", "test-key", "test-model", "detailed", "Hindi")

	got, err := c.Explain(context.Background(), model.SubjectGK, testQuestion)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if got != "Varanasi lies on the banks of the Ganga." {
		t.Errorf("Explain() = %q", got)
	}
	for _, want := range []string{testQuestion.Text, "correct option is B (Ganga)", "Hindi", "why each other option"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestExplainBadResponses(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"not json", "The answer is B.", nil},
		{"empty explanation", `{"explanation": "   "}`, ErrEmptyExplanation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeOpenAI(t, tt.content, nil)
			c := New(srv.URL+"/v1", "k", "test-model", "", "")
			_, err := c.Explain(context.Background(), model.SubjectGK, testQuestion)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPing(t *testing.T) {
	srv := fakeOpenAI(t, "", nil)
	if err := New(srv.URL+"/v1", "k", "test-model", "brief", "").Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := New(srv.URL+"/v1", "k", "other-model", "brief", "").Ping(context.Background()); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestNewFallsBackToBrief(t *testing.T) {
	c := New("", "k", "m", "verbose", "")
	if c.variant != "brief" {
		t.Errorf("variant = %q, want brief", c.variant)
	}
}

type memQuestions struct {
	exam      model.Exam
	questions []model.Question
	saved     map[int64]string
}

func (m *memQuestions) GetExam(ctx context.Context, id int64) (*model.Exam, error) {
	return &m.exam, nil
}

func (m *memQuestions) ListQuestionsWithoutExplanation(ctx context.Context, examID int64) ([]model.Question, error) {
	return m.questions, nil
}

func (m *memQuestions) SetExplanation(ctx context.Context, id int64, explanation string) error {
	m.saved[id] = explanation
	return nil
}

func TestExplainMissing(t *testing.T) {
	srv := fakeOpenAI(t, `{"explanation": "Because."}`, nil)
	c := New(srv.URL+"/v1", "k", "test-model", "brief", "")
	q2 := testQuestion
	q2.ID = 8
	st := &memQuestions{
		exam:      model.Exam{ID: 1, Subject: model.SubjectGK},
		questions: []model.Question{testQuestion, q2},
		saved:     map[int64]string{},
	}

	done, failed, err := c.ExplainMissing(context.Background(), st, 1)
	if err != nil {
		t.Fatalf("ExplainMissing: %v", err)
	}
	if done != 2 || failed != 0 {
		t.Errorf("done=%d failed=%d, want 2 and 0", done, failed)
	}
	if st.saved[7] != "Because." || st.saved[8] != "Because." {
		t.Errorf("unexpected saved explanations %v", st.saved)
	}
}
