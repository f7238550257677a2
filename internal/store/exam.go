package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gosimple/slug"
	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/model"
)

const examColumns = `id, village_id, title, slug, subject, description, total_questions,
	duration_minutes, scheduled_at, ends_at, status, created_at`

func scanExam(row interface{ Scan(...any) error }) (*model.Exam, error) {
	var e model.Exam
	err := row.Scan(&e.ID, &e.VillageID, &e.Title, &e.Slug, &e.Subject, &e.Description, &e.TotalQuestions,
		&e.DurationMinutes, &e.ScheduledAt, &e.EndsAt, &e.Status, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateExam inserts an exam and returns its ID.
func (s *Store) CreateExam(ctx context.Context, e model.Exam) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	if e.Slug == "" {
		e.Slug = slug.Make(e.Title)
	}
	if e.Status == "" {
		e.Status = model.ExamDraft
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO exams (village_id, title, slug, subject, description, total_questions,
			duration_minutes, scheduled_at, ends_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		e.VillageID, e.Title, e.Slug, e.Subject, e.Description, e.TotalQuestions,
		e.DurationMinutes, e.ScheduledAt.UTC(), e.EndsAt.UTC(), e.Status, now(),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateExam overwrites an exam's editable fields.
func (s *Store) UpdateExam(ctx context.Context, e model.Exam) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE exams SET title = ?, slug = ?, subject = ?, description = ?, total_questions = ?,
			duration_minutes = ?, scheduled_at = ?, ends_at = ?
		 WHERE id = ?`),
		e.Title, slug.Make(e.Title), e.Subject, e.Description, e.TotalQuestions,
		e.DurationMinutes, e.ScheduledAt.UTC(), e.EndsAt.UTC(), e.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exam %d: %w", e.ID, common.ErrNotFound)
	}
	return nil
}

// SetExamStatus moves an exam to a new lifecycle status.
func (s *Store) SetExamStatus(ctx context.Context, id int64, status model.ExamStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE exams SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exam %d: %w", id, common.ErrNotFound)
	}
	return nil
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(ctx context.Context, id int64) (*model.Exam, error) {
	e, err := scanExam(s.db.QueryRowContext(ctx, s.q(`SELECT `+examColumns+` FROM exams WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("exam %d: %w", id, common.ErrNotFound)
	}
	return e, err
}

// ListExams returns a village's exams, newest schedule first. villageID 0 lists all villages.
func (s *Store) ListExams(ctx context.Context, villageID int64) ([]model.Exam, error) {
	query := `SELECT ` + examColumns + ` FROM exams`
	var args []any
	if villageID != 0 {
		query += ` WHERE village_id = ?`
		args = append(args, villageID)
	}
	query += ` ORDER BY scheduled_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, *e)
	}
	return exams, rows.Err()
}

// DeleteExam removes an exam and its questions. Exams with attempts cannot be deleted.
func (s *Store) DeleteExam(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM exam_attempts WHERE exam_id = ?`), id).Scan(&attempts); err != nil {
		return err
	}
	if attempts > 0 {
		return fmt.Errorf("exam %d has %d attempts: %w", id, attempts, common.ErrConflict)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM exam_questions WHERE exam_id = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM exams WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exam %d: %w", id, common.ErrNotFound)
	}
	return tx.Commit()
}
