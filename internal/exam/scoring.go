package exam

import (
	"math"

	"github.com/pavelanni/gramportal/internal/model"
)

// Score tallies selections against the drawn questions. Selections for
// questions outside the drawn set are ignored.
func Score(questions []model.Question, selections map[int64]model.Option) model.Tally {
	var t model.Tally
	for _, q := range questions {
		sel, ok := selections[q.ID]
		if !ok || sel == "" {
			continue
		}
		if sel == q.CorrectOption {
			t.Correct++
		} else {
			t.Wrong++
		}
	}
	total := len(questions)
	t.Unanswered = total - t.Correct - t.Wrong
	if total > 0 {
		t.Score = int(math.Round(float64(t.Correct) / float64(total) * 100))
	}
	return t
}

// answersFor builds one answer row per drawn question, in draw order.
func answersFor(questions []model.Question, selections map[int64]model.Option) []model.Answer {
	answers := make([]model.Answer, len(questions))
	for i, q := range questions {
		answers[i] = model.Answer{QuestionID: q.ID, Position: i}
		sel, ok := selections[q.ID]
		if !ok || sel == "" {
			continue
		}
		correct := sel == q.CorrectOption
		answers[i].SelectedOption = &sel
		answers[i].IsCorrect = &correct
	}
	return answers
}
