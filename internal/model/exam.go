package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subject is the exam subject.
type Subject string

const (
	SubjectGK      Subject = "GK"
	SubjectScience Subject = "Science"
	SubjectMath    Subject = "Math"
	SubjectEnglish Subject = "English"
)

// ExamStatus represents the lifecycle of an exam.
type ExamStatus string

const (
	ExamDraft     ExamStatus = "draft"
	ExamScheduled ExamStatus = "scheduled"
	ExamActive    ExamStatus = "active"
	ExamCompleted ExamStatus = "completed"
	ExamCancelled ExamStatus = "cancelled"
)

// Open reports whether attempts may be started for an exam in this status.
func (s ExamStatus) Open() bool {
	return s == ExamScheduled || s == ExamActive
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Option is one of the four answer letters.
type Option string

const (
	OptionA Option = "A"
	OptionB Option = "B"
	OptionC Option = "C"
	OptionD Option = "D"
)

// Valid reports whether o is A, B, C or D.
func (o Option) Valid() bool {
	switch o {
	case OptionA, OptionB, OptionC, OptionD:
		return true
	}
	return false
}

// Exam is a scheduled multiple-choice exam owned by a village.
type Exam struct {
	ID              int64      `json:"id"`
	VillageID       int64      `json:"village_id"`
	Title           string     `json:"title"`
	Slug            string     `json:"slug"`
	Subject         Subject    `json:"subject"`
	Description     string     `json:"description"`
	TotalQuestions  int        `json:"total_questions"`
	DurationMinutes int        `json:"duration_minutes"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	EndsAt          time.Time  `json:"ends_at"`
	Status          ExamStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}

// WindowOpen reports whether now falls inside the scheduled window.
func (e Exam) WindowOpen(now time.Time) bool {
	return !now.Before(e.ScheduledAt) && now.Before(e.EndsAt)
}

// Validate checks the window and limits of an exam.
func (e Exam) Validate() error {
	switch {
	case strings.TrimSpace(e.Title) == "":
		return errors.New("title is required")
	case !e.ScheduledAt.Before(e.EndsAt):
		return errors.New("scheduled_at must be before ends_at")
	case e.DurationMinutes <= 0:
		return errors.New("duration_minutes must be positive")
	case e.TotalQuestions < 0:
		return errors.New("total_questions must not be negative")
	}
	return nil
}

// Duration returns the exam's time limit.
func (e Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Question represents a multiple-choice question of an exam.
type Question struct {
	ID            int64      `json:"id"`
	ExamID        int64      `json:"exam_id"`
	Text          string     `json:"text"`
	OptionA       string     `json:"option_a"`
	OptionB       string     `json:"option_b"`
	OptionC       string     `json:"option_c"`
	OptionD       string     `json:"option_d"`
	CorrectOption Option     `json:"correct_option"`
	Explanation   string     `json:"explanation,omitempty"`
	Difficulty    Difficulty `json:"difficulty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// QuestionView is a question as shown to a student during the exam.
type QuestionView struct {
	ID         int64      `json:"id"`
	Text       string     `json:"text"`
	OptionA    string     `json:"option_a"`
	OptionB    string     `json:"option_b"`
	OptionC    string     `json:"option_c"`
	OptionD    string     `json:"option_d"`
	Difficulty Difficulty `json:"difficulty"`
}

// AttemptStatus tracks whether an attempt has been finalized.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptExpired    AttemptStatus = "expired"
)

// Attempt is one user's sitting of one exam.
type Attempt struct {
	ID                      int64         `json:"id"`
	ExamID                  int64         `json:"exam_id"`
	UserID                  int64         `json:"user_id"`
	StudentName             string        `json:"student_name"`
	TotalQuestions          int           `json:"total_questions"`
	IntegrityPledgeAccepted bool          `json:"integrity_pledge_accepted"`
	StartSnapshot           string        `json:"start_snapshot"`
	EndSnapshot             string        `json:"end_snapshot,omitempty"`
	StartTime               time.Time     `json:"start_time"`
	EndTime                 *time.Time    `json:"end_time,omitempty"`
	Score                   int           `json:"score"`
	CorrectAnswers          int           `json:"correct_answers"`
	WrongAnswers            int           `json:"wrong_answers"`
	Unanswered              int           `json:"unanswered"`
	Status                  AttemptStatus `json:"status"`
}

// Answer records the option chosen for one drawn question.
type Answer struct {
	ID             int64   `json:"id"`
	AttemptID      int64   `json:"attempt_id"`
	QuestionID     int64   `json:"question_id"`
	Position       int     `json:"position"`
	SelectedOption *Option `json:"selected_option,omitempty"`
	IsCorrect      *bool   `json:"is_correct,omitempty"`
}

// Tally is the aggregate outcome of scoring an attempt.
type Tally struct {
	Correct    int `json:"correct"`
	Wrong      int `json:"wrong"`
	Unanswered int `json:"unanswered"`
	Score      int `json:"score"`
}

// QuestionImport is used for loading questions from JSON.
type QuestionImport struct {
	Text          string     `json:"text"`
	Options       [4]string  `json:"options"`
	CorrectOption Option     `json:"correct_option"`
	Explanation   string     `json:"explanation"`
	Difficulty    Difficulty `json:"difficulty"`
}

// Validate checks an imported question before it is stored.
func (q QuestionImport) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return errors.New("text is required")
	}
	for i, o := range q.Options {
		if strings.TrimSpace(o) == "" {
			return fmt.Errorf("option %c is empty", 'A'+i)
		}
	}
	if !q.CorrectOption.Valid() {
		return fmt.Errorf("correct_option %q must be A, B, C or D", q.CorrectOption)
	}
	switch q.Difficulty {
	case "", DifficultyEasy, DifficultyMedium, DifficultyHard:
		return nil
	}
	return fmt.Errorf("unknown difficulty %q", q.Difficulty)
}

// ReviewItem is one question of a finished attempt.
type ReviewItem struct {
	Position       int      `json:"position"`
	Question       Question `json:"question"`
	SelectedOption *Option  `json:"selected_option,omitempty"`
	IsCorrect      *bool    `json:"is_correct,omitempty"`
	Missing        bool     `json:"missing,omitempty"`
}

// AttemptReview combines an attempt with its questions for display.
type AttemptReview struct {
	Attempt Attempt      `json:"attempt"`
	Exam    Exam         `json:"exam"`
	Items   []ReviewItem `json:"items"`
}

// Dashboard lists what a user can start and what they already sat.
type Dashboard struct {
	Eligible []Exam    `json:"eligible"`
	Attempts []Attempt `json:"attempts"`
}
