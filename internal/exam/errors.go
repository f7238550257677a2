package exam

import (
	"fmt"

	"github.com/pavelanni/gramportal/internal/common"
)

// Exam flow errors. Each wraps one of the common sentinels so handlers can map it to a status code.
var (
	ErrPledgeRequired    = fmt.Errorf("integrity pledge not accepted: %w", common.ErrValidation)
	ErrInvalidOption     = fmt.Errorf("option must be A, B, C or D: %w", common.ErrValidation)
	ErrOutOfRange        = fmt.Errorf("question index out of range: %w", common.ErrValidation)
	ErrCameraUnavailable = fmt.Errorf("camera unavailable: %w", common.ErrForbidden)
	ErrExamClosed        = fmt.Errorf("exam is not open: %w", common.ErrForbidden)
	ErrExamNotFound      = fmt.Errorf("exam not found: %w", common.ErrNotFound)
	ErrAttemptNotFound   = fmt.Errorf("attempt not found: %w", common.ErrNotFound)
	ErrSessionNotFound   = fmt.Errorf("exam session not found: %w", common.ErrNotFound)
	ErrExamsDisabled     = fmt.Errorf("exams are disabled for this village: %w", common.ErrNotFound)
	ErrAttemptExists     = fmt.Errorf("attempt already exists: %w", common.ErrConflict)
	ErrNoQuestions       = fmt.Errorf("exam has no questions: %w", common.ErrConflict)
	ErrBusy              = fmt.Errorf("submission already in progress: %w", common.ErrConflict)
	ErrTimeOver          = fmt.Errorf("time is over: %w", common.ErrConflict)
	ErrAlreadySubmitted  = fmt.Errorf("attempt already submitted: %w", common.ErrConflict)
	ErrInvalidState      = fmt.Errorf("action not allowed in current state: %w", common.ErrConflict)
)
