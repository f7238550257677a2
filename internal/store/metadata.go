package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/model"
)

// GetImportedFileHash returns the sha256 recorded for a question file, or "" if it was never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT sha256 FROM imported_files WHERE path = ?`), path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash upserts the hash of an imported question file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO imported_files (path, sha256, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT (path) DO UPDATE SET sha256 = excluded.sha256, imported_at = excluded.imported_at`),
		path, hash, now(),
	)
	return err
}

// ImportQuestionFile loads a JSON array of questions into an exam. A file
// whose content was already imported for the exam under the same name is
// skipped and reported with skipped set.
func (s *Store) ImportQuestionFile(ctx context.Context, examID int64, name string, data []byte) (n int, skipped bool, err error) {
	key := fmt.Sprintf("exam/%d/%s", examID, name)
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	stored, err := s.GetImportedFileHash(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("check import status: %w", err)
	}
	if stored == hash {
		slog.Info("skipping unchanged question file", "exam_id", examID, "file", name)
		return 0, true, nil
	}

	var items []model.QuestionImport
	if err := json.Unmarshal(data, &items); err != nil {
		return 0, false, fmt.Errorf("parse %s: %w: %v", name, common.ErrValidation, err)
	}
	n, err = s.InsertQuestions(ctx, examID, items)
	if err != nil {
		return 0, false, err
	}
	if err := s.SetImportedFileHash(ctx, key, hash); err != nil {
		slog.Error("failed to record import", "file", name, "error", err)
	}
	return n, false, nil
}
