package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/gramportal/internal/common"
	"github.com/pavelanni/gramportal/internal/exam"
	"github.com/pavelanni/gramportal/internal/llm"
	"github.com/pavelanni/gramportal/internal/llm/prompts"
	"github.com/pavelanni/gramportal/internal/model"
	"github.com/pavelanni/gramportal/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warning: reading .env:", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gramportal",
		Short:        "Village portal with timed online exams",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), importCmd(), reconcileCmd(), explainCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db-driver", store.DriverSQLite, "Database driver (sqlite, pgx)")
	f.String("db", "gramportal.db", "SQLite path or Postgres connection string")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty disables explanations)")
	f.String("llm-key", "", "API key for LLM")
	f.String("llm-model", "gpt-4o-mini", "LLM model name")
	f.String("prompt-variant", string(prompts.VariantBrief), "Explanation prompt variant (brief, detailed)")
	f.String("explain-lang", "English", "Language explanations are written in")
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the attempts of an exam as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addCommonFlags(cmd)
	f.Int64("exam-id", 0, "Exam to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-questions FILE...",
		Short: "Import questions from JSON files into an exam",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	addCommonFlags(cmd)
	f.Int64("exam-id", 0, "Exam the questions belong to (required)")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Expire attempts abandoned past their time limit",
		RunE:  runReconcile,
	}
	f := cmd.Flags()
	addCommonFlags(cmd)
	f.Duration("attempt-grace", 2*time.Minute, "Extra time before an abandoned attempt is expired")
	return cmd
}

func explainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Draft explanations for questions that have none",
		RunE:  runExplain,
	}
	f := cmd.Flags()
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	f.Int64("exam-id", 0, "Exam whose questions to explain (required)")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// viperForCmd binds a command's flags, environment and config file to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GRAMPORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("gramportal")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gramportal")
	v.AddConfigPath("/etc/gramportal")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}
	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.Open(v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// newLLMClient returns nil when no endpoint is configured.
func newLLMClient(v *viper.Viper) *llm.Client {
	url := v.GetString("llm-url")
	if url == "" {
		return nil
	}
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using brief", "variant", variant)
		variant = string(prompts.VariantBrief)
	}
	return llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"), variant, v.GetString("explain-lang"))
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := exam.NewService(db, nil, nil, model.ExamConfig{})
	export, err := svc.Export(cmd.Context(), v.GetInt64("exam-id"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}

	var w io.Writer = cmd.OutOrStdout()
	if out := v.GetString("output"); out != "" && out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(export); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported exam results", "exam_id", export.ExamID, "attempts", len(export.Results))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	examID := v.GetInt64("exam-id")
	if _, err := db.GetExam(ctx, examID); err != nil {
		return err
	}
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		n, skipped, err := db.ImportQuestionFile(ctx, examID, filepath.Base(path), data)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if skipped {
			slog.Info("questions file unchanged, skipping", "path", path)
			continue
		}
		slog.Info("imported questions", "path", path, "exam_id", examID, "count", n)
	}
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := exam.NewService(db, nil, nil, model.ExamConfig{AttemptGrace: v.GetDuration("attempt-grace")})
	n, err := svc.Reconcile(cmd.Context())
	if err != nil {
		return err
	}
	slog.Info("reconciled attempts", "count", n)
	return nil
}

func runExplain(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	client := newLLMClient(v)
	if client == nil {
		return fmt.Errorf("llm-url is required (or set GRAMPORTAL_LLM_URL)")
	}
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	done, failed, err := client.ExplainMissing(ctx, db, v.GetInt64("exam-id"))
	if err != nil {
		return err
	}
	slog.Info("drafted explanations", "exam_id", v.GetInt64("exam-id"), "explained", done, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d questions could not be explained", failed)
	}
	return nil
}

// seedAdmin creates the admin account on an empty database.
func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or GRAMPORTAL_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	slog.Info("seeded default admin user", "username", "admin")
	return nil
}

// ensureVillage returns the ID of the village with the given slug, creating it if needed.
func ensureVillage(ctx context.Context, db *store.Store, villageSlug string) (int64, error) {
	v, err := db.GetVillageBySlug(ctx, villageSlug)
	if err == nil {
		return v.ID, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return 0, err
	}
	id, err := db.CreateVillage(ctx, model.Village{Name: villageSlug, Slug: villageSlug})
	if err != nil {
		return 0, fmt.Errorf("create default village: %w", err)
	}
	slog.Info("created default village", "slug", villageSlug, "id", id)
	return id, nil
}
