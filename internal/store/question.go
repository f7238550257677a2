package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/model"
)

const questionColumns = `id, exam_id, text, option_a, option_b, option_c, option_d,
	correct_option, explanation, difficulty, deleted_at`

func scanQuestion(row interface{ Scan(...any) error }) (*model.Question, error) {
	var q model.Question
	err := row.Scan(&q.ID, &q.ExamID, &q.Text, &q.OptionA, &q.OptionB, &q.OptionC, &q.OptionD,
		&q.CorrectOption, &q.Explanation, &q.Difficulty, &q.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) queryQuestions(ctx context.Context, query string, args ...any) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, *q)
	}
	return questions, rows.Err()
}

// InsertQuestion adds a question to an exam's pool.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	if q.Difficulty == "" {
		q.Difficulty = model.DifficultyMedium
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO exam_questions (exam_id, text, option_a, option_b, option_c, option_d,
			correct_option, explanation, difficulty)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		q.ExamID, q.Text, q.OptionA, q.OptionB, q.OptionC, q.OptionD,
		q.CorrectOption, q.Explanation, q.Difficulty,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertQuestions adds a batch of questions in one transaction.
func (s *Store) InsertQuestions(ctx context.Context, examID int64, items []model.QuestionImport) (int, error) {
	for i, qi := range items {
		if err := qi.Validate(); err != nil {
			return 0, fmt.Errorf("question %d: %w: %v", i+1, common.ErrValidation, err)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt := s.q(`INSERT INTO exam_questions (exam_id, text, option_a, option_b, option_c, option_d,
			correct_option, explanation, difficulty)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, qi := range items {
		d := qi.Difficulty
		if d == "" {
			d = model.DifficultyMedium
		}
		if _, err := tx.ExecContext(ctx, stmt, examID, qi.Text, qi.Options[0], qi.Options[1], qi.Options[2], qi.Options[3],
			qi.CorrectOption, qi.Explanation, d); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	slog.Info("imported questions", "exam_id", examID, "count", len(items))
	return len(items), nil
}

// UpdateQuestion overwrites a question's text, options and answer key.
func (s *Store) UpdateQuestion(ctx context.Context, q model.Question) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE exam_questions SET text = ?, option_a = ?, option_b = ?, option_c = ?, option_d = ?,
			correct_option = ?, explanation = ?, difficulty = ?
		 WHERE id = ? AND deleted_at IS NULL`),
		q.Text, q.OptionA, q.OptionB, q.OptionC, q.OptionD,
		q.CorrectOption, q.Explanation, q.Difficulty, q.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("question %d: %w", q.ID, common.ErrNotFound)
	}
	return nil
}

// SetExplanation stores an explanation for a question.
func (s *Store) SetExplanation(ctx context.Context, id int64, explanation string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE exam_questions SET explanation = ? WHERE id = ?`), explanation, id)
	return err
}

// GetQuestion returns a question by ID, deleted or not.
func (s *Store) GetQuestion(ctx context.Context, id int64) (*model.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+questionColumns+` FROM exam_questions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("question %d: %w", id, common.ErrNotFound)
	}
	return q, err
}

// ListQuestions returns the live question pool of an exam.
func (s *Store) ListQuestions(ctx context.Context, examID int64) ([]model.Question, error) {
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM exam_questions WHERE exam_id = ? AND deleted_at IS NULL ORDER BY id`, examID)
}

// ListQuestionsWithoutExplanation returns live questions of an exam that lack an explanation.
func (s *Store) ListQuestionsWithoutExplanation(ctx context.Context, examID int64) ([]model.Question, error) {
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM exam_questions
		 WHERE exam_id = ? AND deleted_at IS NULL AND explanation = '' ORDER BY id`, examID)
}

// GetQuestionsByIDs returns the questions with the given IDs, including deleted ones.
// IDs that do not exist are simply absent from the result.
func (s *Store) GetQuestionsByIDs(ctx context.Context, ids []int64) (map[int64]model.Question, error) {
	out := make(map[int64]model.Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	questions, err := s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM exam_questions WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, q := range questions {
		out[q.ID] = q
	}
	return out, nil
}

// QuestionCount returns the size of an exam's live pool.
func (s *Store) QuestionCount(ctx context.Context, examID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM exam_questions WHERE exam_id = ? AND deleted_at IS NULL`), examID).Scan(&count)
	return count, err
}

// DeleteQuestion removes a question from the pool. Once an exam has attempts its
// questions are only soft-deleted, so drawn sets and past results stay resolvable.
func (s *Store) DeleteQuestion(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var refs int
	if err := tx.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM exam_attempts a JOIN exam_questions q ON q.exam_id = a.exam_id WHERE q.id = ?`),
		id).Scan(&refs); err != nil {
		return err
	}
	var res sql.Result
	if refs > 0 {
		res, err = tx.ExecContext(ctx, s.q(
			`UPDATE exam_questions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`), now(), id)
	} else {
		res, err = tx.ExecContext(ctx, s.q(`DELETE FROM exam_questions WHERE id = ?`), id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("question %d: %w", id, common.ErrNotFound)
	}
	return tx.Commit()
}
