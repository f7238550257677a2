package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/gramportal/internal/auth"
	"github.com/pavelanni/gramportal/internal/exam"
	"github.com/pavelanni/gramportal/internal/handler"
	"github.com/pavelanni/gramportal/internal/i18n"
	"github.com/pavelanni/gramportal/internal/lock"
	"github.com/pavelanni/gramportal/internal/model"
	"github.com/pavelanni/gramportal/internal/snapshot"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP portal server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /portal)")
	f.StringP("lang", "l", "en", "Default language for messages (en, hi)")
	f.String("admin-password", "", "Initial admin password (or set GRAMPORTAL_ADMIN_PASSWORD)")
	f.String("jwt-secret", "", "HMAC secret for access tokens (random per start when empty)")
	f.String("default-village", "", "Slug of the village assigned to users registering without one")
	f.Bool("allow-registration", true, "Let visitors create student accounts")
	f.String("redis-url", "", "Redis URL for the submission lock (empty uses an in-process lock)")
	f.String("snapshot-backend", "fs", "Where camera snapshots are stored (fs, supabase)")
	f.String("snapshot-dir", "snapshots", "Directory for the fs snapshot backend")
	f.String("supabase-url", "", "Supabase project URL")
	f.String("supabase-key", "", "Supabase service key")
	f.String("supabase-bucket", "exam-snapshots", "Supabase Storage bucket")
	f.Int("max-snapshot-bytes", 2<<20, "Largest accepted camera snapshot")
	f.Duration("attempt-grace", 2*time.Minute, "Extra time before an abandoned attempt is expired")
	f.Duration("session-retention", 30*time.Minute, "How long finished sessions stay queryable")
	f.Duration("submit-lock-ttl", 30*time.Second, "Expiry of the per-attempt submission lock")
	f.Duration("reconcile-interval", time.Minute, "How often abandoned attempts are swept")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := i18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	cfg := model.ExamConfig{
		BasePath:          basePath,
		AttemptGrace:      v.GetDuration("attempt-grace"),
		SessionRetention:  v.GetDuration("session-retention"),
		SubmitLockTTL:     v.GetDuration("submit-lock-ttl"),
		MaxSnapshotBytes:  v.GetInt("max-snapshot-bytes"),
		AllowRegistration: v.GetBool("allow-registration"),
	}
	if slug := v.GetString("default-village"); slug != "" {
		if cfg.DefaultVillageID, err = ensureVillage(ctx, db, slug); err != nil {
			return err
		}
	}

	var locker lock.Locker
	if url := v.GetString("redis-url"); url != "" {
		rdb, err := lock.Connect(ctx, url)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb, "gramportal:lock:")
		slog.Info("using redis submission lock")
	}

	snaps, reader, err := newSnapshotStore(v)
	if err != nil {
		return err
	}

	var explainer handler.Explainer
	if client := newLLMClient(v); client != nil {
		if err := client.Ping(ctx); err != nil {
			slog.Warn("LLM endpoint unreachable, explanations may fail", "url", v.GetString("llm-url"), "error", err)
		} else {
			slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		}
		explainer = client
	}

	secret := v.GetString("jwt-secret")
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		slog.Warn("no jwt-secret configured, tokens will not survive a restart")
	}

	svc := exam.NewService(db, snaps, locker, cfg)
	defer svc.Registry().CloseAll()
	h := handler.New(db, svc, auth.New([]byte(secret), db), explainer, reader, cfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go svc.RunReconciler(bgCtx, v.GetDuration("reconcile-interval"))
	go cleanupAuthSessions(bgCtx, db.CleanupExpiredSessions)

	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", srv.Addr,
			"driver", v.GetString("db-driver"),
			"lang", lang,
			"base_path", basePath,
			"snapshots", v.GetString("snapshot-backend"),
			"explanations", explainer != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// newSnapshotStore returns the configured backend and, when it can serve
// stored images back, a reader for the admin API.
func newSnapshotStore(v *viper.Viper) (snapshot.Store, handler.SnapshotReader, error) {
	switch backend := v.GetString("snapshot-backend"); backend {
	case "fs":
		fs := snapshot.NewFSStore(afero.NewOsFs(), v.GetString("snapshot-dir"))
		return fs, fs, nil
	case "supabase":
		s, err := snapshot.NewSupabaseStore(v.GetString("supabase-url"), v.GetString("supabase-key"), v.GetString("supabase-bucket"))
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot backend: %w", err)
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown snapshot backend %q", backend)
	}
}

func cleanupAuthSessions(ctx context.Context, cleanup func(context.Context) (int64, error)) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := cleanup(ctx); err != nil {
				slog.Error("auth session cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("removed expired auth sessions", "count", n)
			}
		}
	}
}
