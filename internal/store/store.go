package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

type Store struct {
	db     *sql.DB
	driver string
}

// New opens (and migrates) an SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects to the given driver ("sqlite" or "pgx") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// q rewrites ? placeholders to $n for postgres.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) migrate() error {
	pk, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME"
	if s.driver == DriverPostgres {
		pk, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	r := strings.NewReplacer("{{pk}}", pk, "{{ts}}", ts)

	schema := []string{`
	CREATE TABLE IF NOT EXISTS villages (
		id {{pk}},
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		district TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '{}',
		created_at {{ts}} NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS users (
		id {{pk}},
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		village_id BIGINT REFERENCES villages(id),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {{ts}} NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		created_at {{ts}} NOT NULL,
		expires_at {{ts}} NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL,
		imported_at {{ts}} NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS exams (
		id {{pk}},
		village_id BIGINT NOT NULL REFERENCES villages(id),
		title TEXT NOT NULL,
		slug TEXT NOT NULL,
		subject TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		total_questions INTEGER NOT NULL,
		duration_minutes INTEGER NOT NULL,
		scheduled_at {{ts}} NOT NULL,
		ends_at {{ts}} NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		created_at {{ts}} NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS exam_questions (
		id {{pk}},
		exam_id BIGINT NOT NULL REFERENCES exams(id),
		text TEXT NOT NULL,
		option_a TEXT NOT NULL,
		option_b TEXT NOT NULL,
		option_c TEXT NOT NULL,
		option_d TEXT NOT NULL,
		correct_option TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT 'medium',
		deleted_at {{ts}}
	)`, `
	CREATE TABLE IF NOT EXISTS exam_attempts (
		id {{pk}},
		exam_id BIGINT NOT NULL REFERENCES exams(id),
		user_id BIGINT NOT NULL REFERENCES users(id),
		student_name TEXT NOT NULL,
		total_questions INTEGER NOT NULL,
		integrity_pledge_accepted BOOLEAN NOT NULL DEFAULT FALSE,
		start_snapshot TEXT NOT NULL DEFAULT '',
		end_snapshot TEXT NOT NULL DEFAULT '',
		start_time {{ts}} NOT NULL,
		end_time {{ts}},
		score INTEGER NOT NULL DEFAULT 0,
		correct_answers INTEGER NOT NULL DEFAULT 0,
		wrong_answers INTEGER NOT NULL DEFAULT 0,
		unanswered INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'in_progress',
		UNIQUE (exam_id, user_id)
	)`, `
	CREATE TABLE IF NOT EXISTS exam_answers (
		id {{pk}},
		attempt_id BIGINT NOT NULL REFERENCES exam_attempts(id),
		question_id BIGINT NOT NULL REFERENCES exam_questions(id),
		position INTEGER NOT NULL,
		selected_option TEXT,
		is_correct BOOLEAN,
		UNIQUE (attempt_id, question_id)
	)`,
		`CREATE INDEX IF NOT EXISTS idx_exam_questions_exam ON exam_questions(exam_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exam_attempts_user ON exam_attempts(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exam_answers_question ON exam_answers(question_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(r.Replace(stmt)); err != nil {
			return err
		}
	}
	return nil
}

// now is the store's clock; timestamps are always written in UTC.
func now() time.Time {
	return time.Now().UTC()
}
