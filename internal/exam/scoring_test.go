package exam

import (
	"math/rand/v2"
	"testing"

	"github.com/pavelanni/gramportal/internal/model"
)

func makeQuestions(n int) []model.Question {
	keys := []model.Option{model.OptionA, model.OptionB, model.OptionC, model.OptionD}
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{ID: int64(i + 1), CorrectOption: keys[i%4]}
	}
	return qs
}

func wrongFor(o model.Option) model.Option {
	if o == model.OptionA {
		return model.OptionB
	}
	return model.OptionA
}

func TestScore(t *testing.T) {
	qs := makeQuestions(5)
	tests := []struct {
		name       string
		selections map[int64]model.Option
		want       model.Tally
	}{
		{
			name: "three correct one wrong one unanswered",
			selections: map[int64]model.Option{
				1: qs[0].CorrectOption, 2: qs[1].CorrectOption, 3: qs[2].CorrectOption, 4: wrongFor(qs[3].CorrectOption),
			},
			want: model.Tally{Correct: 3, Wrong: 1, Unanswered: 1, Score: 60},
		},
		{
			name: "all correct",
			selections: map[int64]model.Option{
				1: qs[0].CorrectOption, 2: qs[1].CorrectOption, 3: qs[2].CorrectOption, 4: qs[3].CorrectOption, 5: qs[4].CorrectOption,
			},
			want: model.Tally{Correct: 5, Score: 100},
		},
		{
			name:       "nothing answered",
			selections: map[int64]model.Option{},
			want:       model.Tally{Unanswered: 5},
		},
		{
			name:       "nil selections",
			selections: nil,
			want:       model.Tally{Unanswered: 5},
		},
		{
			name:       "selections outside the drawn set are ignored",
			selections: map[int64]model.Option{99: model.OptionA, 1: qs[0].CorrectOption},
			want:       model.Tally{Correct: 1, Unanswered: 4, Score: 20},
		},
		{
			name:       "two of five",
			selections: map[int64]model.Option{1: qs[0].CorrectOption, 2: qs[1].CorrectOption},
			want:       model.Tally{Correct: 2, Unanswered: 3, Score: 40},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(qs, tt.selections)
			if got != tt.want {
				t.Errorf("Score() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScoreRounding(t *testing.T) {
	tests := []struct {
		total, correct, want int
	}{
		{3, 1, 33},
		{3, 2, 67},
		{8, 1, 13}, // 12.5 rounds away from zero
		{7, 7, 100},
		{1, 0, 0},
	}
	for _, tt := range tests {
		qs := makeQuestions(tt.total)
		sel := map[int64]model.Option{}
		for i := 0; i < tt.correct; i++ {
			sel[qs[i].ID] = qs[i].CorrectOption
		}
		if got := Score(qs, sel).Score; got != tt.want {
			t.Errorf("%d/%d: got %d, want %d", tt.correct, tt.total, got, tt.want)
		}
	}
}

func TestScoreEmpty(t *testing.T) {
	if got := Score(nil, map[int64]model.Option{1: model.OptionA}); got != (model.Tally{}) {
		t.Errorf("expected zero tally, got %+v", got)
	}
}

func TestScoreInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	opts := []model.Option{model.OptionA, model.OptionB, model.OptionC, model.OptionD}
	for range 200 {
		qs := makeQuestions(1 + rng.IntN(30))
		sel := map[int64]model.Option{}
		for _, q := range qs {
			if rng.IntN(3) > 0 {
				sel[q.ID] = opts[rng.IntN(4)]
			}
		}
		got := Score(qs, sel)
		if got.Correct+got.Wrong+got.Unanswered != len(qs) {
			t.Fatalf("counts %+v do not add up to %d", got, len(qs))
		}
		if got.Score < 0 || got.Score > 100 {
			t.Fatalf("score %d out of range", got.Score)
		}
	}
}

func TestAnswersFor(t *testing.T) {
	qs := makeQuestions(3)
	answers := answersFor(qs, map[int64]model.Option{
		qs[0].ID: qs[0].CorrectOption,
		qs[2].ID: wrongFor(qs[2].CorrectOption),
	})
	if len(answers) != 3 {
		t.Fatalf("expected one row per drawn question, got %d", len(answers))
	}
	for i, a := range answers {
		if a.Position != i || a.QuestionID != qs[i].ID {
			t.Errorf("row %d: unexpected %+v", i, a)
		}
	}
	if answers[0].IsCorrect == nil || !*answers[0].IsCorrect {
		t.Error("row 0 should be correct")
	}
	if answers[1].SelectedOption != nil || answers[1].IsCorrect != nil {
		t.Error("row 1 should be unanswered")
	}
	if answers[2].IsCorrect == nil || *answers[2].IsCorrect {
		t.Error("row 2 should be wrong")
	}
}
