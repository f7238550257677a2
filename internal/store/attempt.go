package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/model"
)

// ErrAttemptFinalized is returned when an attempt already has an end time.
var ErrAttemptFinalized = fmt.Errorf("attempt already finalized: %w", common.ErrConflict)

const attemptColumns = `id, exam_id, user_id, student_name, total_questions, integrity_pledge_accepted,
	start_snapshot, end_snapshot, start_time, end_time, score, correct_answers, wrong_answers,
	unanswered, status`

func scanAttempt(row interface{ Scan(...any) error }) (*model.Attempt, error) {
	var a model.Attempt
	err := row.Scan(&a.ID, &a.ExamID, &a.UserID, &a.StudentName, &a.TotalQuestions, &a.IntegrityPledgeAccepted,
		&a.StartSnapshot, &a.EndSnapshot, &a.StartTime, &a.EndTime, &a.Score, &a.CorrectAnswers, &a.WrongAnswers,
		&a.Unanswered, &a.Status)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) queryAttempts(ctx context.Context, query string, args ...any) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// CreateAttempt inserts an in-progress attempt. A second attempt by the same
// user for the same exam yields an error wrapping common.ErrConflict.
func (s *Store) CreateAttempt(ctx context.Context, a model.Attempt) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO exam_attempts (exam_id, user_id, student_name, total_questions,
			integrity_pledge_accepted, start_snapshot, start_time, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		a.ExamID, a.UserID, a.StudentName, a.TotalQuestions,
		a.IntegrityPledgeAccepted, a.StartSnapshot, a.StartTime.UTC(), model.AttemptInProgress,
	).Scan(&id)
	if err != nil {
		if common.IsUniqueViolation(err) {
			return 0, fmt.Errorf("exam %d user %d: %w", a.ExamID, a.UserID, common.ErrConflict)
		}
		return 0, err
	}
	slog.Info("attempt started", "attempt_id", id, "exam_id", a.ExamID, "user_id", a.UserID)
	return id, nil
}

// HasAttempt reports whether the user already has an attempt for the exam.
func (s *Store) HasAttempt(ctx context.Context, examID, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM exam_attempts WHERE exam_id = ? AND user_id = ?`), examID, userID).Scan(&n)
	return n > 0, err
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id int64) (*model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attempt %d: %w", id, common.ErrNotFound)
	}
	return a, err
}

// ListAttemptsForUser returns a user's attempts, most recent first.
func (s *Store) ListAttemptsForUser(ctx context.Context, userID int64) ([]model.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE user_id = ? ORDER BY start_time DESC, id DESC`, userID)
}

// ListAttemptsForExam returns all attempts of an exam in start order.
func (s *Store) ListAttemptsForExam(ctx context.Context, examID int64) ([]model.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE exam_id = ? ORDER BY start_time, id`, examID)
}

// ListUnfinishedAttempts returns every attempt still in progress.
func (s *Store) ListUnfinishedAttempts(ctx context.Context) ([]model.Attempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE end_time IS NULL ORDER BY id`)
}

// FinalizeAttempt writes an attempt's outcome and its answer rows in one
// transaction. Only an attempt without an end time can be finalized; a second
// call returns ErrAttemptFinalized and changes nothing.
func (s *Store) FinalizeAttempt(ctx context.Context, a model.Attempt, answers []model.Answer) error {
	if a.EndTime == nil {
		return fmt.Errorf("finalize attempt %d: end time required: %w", a.ID, common.ErrValidation)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE exam_attempts SET end_snapshot = ?, end_time = ?, score = ?, correct_answers = ?,
			wrong_answers = ?, unanswered = ?, status = ?
		 WHERE id = ? AND end_time IS NULL`),
		a.EndSnapshot, a.EndTime.UTC(), a.Score, a.CorrectAnswers,
		a.WrongAnswers, a.Unanswered, a.Status, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update attempt %d: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("attempt %d: %w", a.ID, ErrAttemptFinalized)
	}

	stmt := s.q(`INSERT INTO exam_answers (attempt_id, question_id, position, selected_option, is_correct)
		VALUES (?, ?, ?, ?, ?)`)
	for _, ans := range answers {
		if _, err := tx.ExecContext(ctx, stmt, a.ID, ans.QuestionID, ans.Position, ans.SelectedOption, ans.IsCorrect); err != nil {
			return fmt.Errorf("insert answer for question %d: %w", ans.QuestionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("attempt finalized", "attempt_id", a.ID, "status", a.Status, "score", a.Score)
	return nil
}

// ListAnswers returns an attempt's answer rows in display order.
func (s *Store) ListAnswers(ctx context.Context, attemptID int64) ([]model.Answer, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, attempt_id, question_id, position, selected_option, is_correct
		 FROM exam_answers WHERE attempt_id = ? ORDER BY position, id`), attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		var ans model.Answer
		if err := rows.Scan(&ans.ID, &ans.AttemptID, &ans.QuestionID, &ans.Position, &ans.SelectedOption, &ans.IsCorrect); err != nil {
			return nil, err
		}
		answers = append(answers, ans)
	}
	return answers, rows.Err()
}
