package model

import "time"

// ExamExport is the top-level JSON structure for exam result export.
type ExamExport struct {
	ExamID       int64           `json:"exam_id"`
	Title        string          `json:"title"`
	Subject      Subject         `json:"subject"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	NumQuestions int             `json:"num_questions"`
	ExportedAt   time.Time       `json:"exported_at"`
	Results      []StudentResult `json:"results"`
}

// StudentResult holds one student's attempt for export.
type StudentResult struct {
	AttemptID      int64            `json:"attempt_id"`
	Username       string           `json:"username"`
	StudentName    string           `json:"student_name"`
	Status         AttemptStatus    `json:"status"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        *time.Time       `json:"end_time,omitempty"`
	Score          int              `json:"score"`
	CorrectAnswers int              `json:"correct_answers"`
	WrongAnswers   int              `json:"wrong_answers"`
	Unanswered     int              `json:"unanswered"`
	Questions      []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Text           string     `json:"text"`
	Difficulty     Difficulty `json:"difficulty"`
	CorrectOption  Option     `json:"correct_option"`
	SelectedOption *Option    `json:"selected_option,omitempty"`
	IsCorrect      *bool      `json:"is_correct,omitempty"`
}
