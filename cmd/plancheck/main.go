package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/plancheck/plancheck/internal/config"
	"github.com/plancheck/plancheck/internal/plancheck"
	"github.com/plancheck/plancheck/internal/platform/auth"
	"github.com/plancheck/plancheck/internal/platform/cache"
	"github.com/plancheck/plancheck/internal/platform/db"
	"github.com/plancheck/plancheck/internal/platform/middleware"
	"github.com/plancheck/plancheck/internal/platform/qaclient"
	"github.com/plancheck/plancheck/internal/platform/telemetry"
)

const tokenIssuer = "plancheck"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "plancheck",
		Short:         "Query plan check records on a radiotherapy QA server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(matchCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	client  *qaclient.Client
	roster  *plancheck.RosterSource
	engine  *plancheck.QueryEngine
	matcher *plancheck.Matcher
	redis   *redis.Client
	pool    *pgxpool.Pool
	metrics *telemetry.Metrics
}

// newApp connects the QA client, the roster cache and, when configured, the
// result archive. Redis and Postgres are optional.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}

	a.client = qaclient.New(qaclient.Config{
		BaseURL:     cfg.QAServerURL,
		Username:    cfg.QAUsername,
		Password:    cfg.QAPassword,
		Token:       cfg.QAAPIToken,
		Timeout:     cfg.QARequestTimeout,
		RosterLimit: cfg.QARosterLimit,
	}, logger.With().Str("component", "qaclient").Logger())

	var rosterCache plancheck.RosterCache = cache.NewMemory()
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
		rosterCache = cache.NewRedis(rdb, "plancheck:")
		logger.Info().Msg("roster cache backed by redis")
	}
	a.roster = plancheck.NewRosterSource(a.client, rosterCache, "roster:"+a.client.BaseURL(), cfg.RosterCacheTTL, logger)

	a.engine = plancheck.NewQueryEngine(a.client, a.roster, logger).WithSink(runMetrics{a.metrics})
	a.matcher = plancheck.NewMatcher(a.client, logger)

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pool = pool
		a.engine.WithSink(db.NewArchive(pool, logger))
		logger.Info().Msg("query runs archived to database")
	}
	return a, nil
}

// runMetrics counts completed runs and how their submissions were disposed of.
type runMetrics struct {
	m *telemetry.Metrics
}

func (r runMetrics) SaveRun(_ context.Context, _ plancheck.QueryRequest, res *plancheck.QueryResult) error {
	st := res.Stats
	r.m.Add("plancheck_runs_total", 1)
	r.m.Observe("plancheck_run_duration_seconds", res.Elapsed)
	for _, o := range []struct {
		name string
		n    int
	}{
		{"scanned", st.Scanned},
		{"skipped_status", st.SkippedStatus},
		{"duplicate", st.Duplicates},
		{"rejected_name", st.RejectedName},
		{"rejected_window", st.RejectedWindow},
		{"parse_failed", st.ParseFailed},
		{"rejected_criteria", st.RejectedCriteria},
		{"accepted", st.Accepted},
	} {
		r.m.Add("plancheck_submissions_total", int64(o.n), "outcome", o.name)
	}
	r.m.Add("plancheck_dvh_attached_total", int64(st.DVHAttached))
	return nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

func (a *app) windowDefaults() plancheck.HandlerConfig {
	return plancheck.HandlerConfig{UTCOffset: a.cfg.UTCOffset(), Inclusive: a.cfg.DateWindowInclusive}
}

// -- serve --

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the plan check API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	e, err := newServer(a)
	if err != nil {
		return err
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("qa_server", a.client.BaseURL()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(a *app) (*echo.Echo, error) {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(a.metrics.Middleware())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	// Bulk queries scan the whole archive and are bounded per request by
	// the QA client instead.
	e.Use(middleware.RequestTimeout(cfg.QARequestTimeout+5*time.Second, "/api/v1/plan-checks"))

	// Auth middleware
	switch {
	case cfg.APISigningKey != "":
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.APISigningKey),
			Issuer:     tokenIssuer,
			Skipper:    auth.AuthSkipper,
		}))
	case cfg.IsDev():
		a.logger.Warn().Msg("API_SIGNING_KEY not set; every request is treated as admin")
		e.Use(auth.DevAuthMiddleware())
	default:
		return nil, errors.New("API_SIGNING_KEY is required outside development")
	}

	checks := map[string]func(context.Context) error{}
	if a.pool != nil {
		checks["archive"] = db.HealthCheck(a.pool, 2*time.Second)
	}
	if a.redis != nil {
		checks["cache"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	e.GET("/health", healthHandler(checks, a.pool))
	e.GET("/metrics", a.metrics.Handler(), auth.RequireRole(auth.RoleAdmin))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	h := plancheck.NewHandler(a.engine, a.matcher, a.roster, a.windowDefaults(), a.logger)
	h.RegisterRoutes(apiV1)
	return e, nil
}

func healthHandler(checks map[string]func(context.Context) error, pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(c.Request().Context()); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		body := map[string]interface{}{
			"status": "ok",
			"checks": results,
		}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		if pool != nil {
			body["pool"] = db.GetPoolStats(pool)
		}
		return c.JSON(status, body)
	}
}

// -- query --

type queryFlags struct {
	machine, planName, rotation, mlc, energy, limitSet, structure []string

	date       string
	rangeHours float64
	format     string
	output     string
	quiet      bool
}

func (f *queryFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringArrayVar(&f.machine, "machine", nil, "machine name pattern (repeatable)")
	fl.StringArrayVar(&f.planName, "plan-name", nil, "plan name pattern (repeatable)")
	fl.StringArrayVar(&f.rotation, "rotation", nil, "rotation pattern (repeatable)")
	fl.StringArrayVar(&f.mlc, "mlc", nil, "MLC model pattern (repeatable)")
	fl.StringArrayVar(&f.energy, "energy", nil, "beam energy (repeatable)")
	fl.StringArrayVar(&f.limitSet, "limit-set", nil, "limit set pattern (repeatable)")
	fl.StringArrayVar(&f.structure, "structure", nil, "ROI name pattern (repeatable); attaches its DVH")
	fl.StringVar(&f.date, "date", "", "target date, e.g. 2024-03-01T14:30")
	fl.Float64Var(&f.rangeHours, "range-hours", plancheck.DefaultRangeHours, "window half-width around --date")
	fl.StringVarP(&f.format, "format", "f", "csv", "output format: csv, json or xlsx")
	fl.StringVarP(&f.output, "output", "o", "", "output file (default stdout)")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "suppress progress output")
}

func (f *queryFlags) request(cfg *config.Config) (plancheck.QueryRequest, error) {
	req := plancheck.QueryRequest{Criteria: plancheck.Criteria{
		Machine:   plancheck.AnyOf(f.machine...),
		PlanName:  plancheck.AnyOf(f.planName...),
		Rotation:  plancheck.AnyOf(f.rotation...),
		MLC:       plancheck.AnyOf(f.mlc...),
		Energy:    plancheck.AnyOf(f.energy...),
		LimitSet:  plancheck.AnyOf(f.limitSet...),
		Structure: plancheck.AnyOf(f.structure...),
	}}
	if f.date != "" {
		target, err := plancheck.ParseTargetDate(f.date)
		if err != nil {
			return req, err
		}
		req.Window = plancheck.NewDateWindow(target, f.rangeHours, cfg.UTCOffset(), cfg.DateWindowInclusive)
	}
	return req, nil
}

func queryCmd() *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Bulk search: one row per patient and plan, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch f.format {
			case "csv", "json":
			case "xlsx":
				if f.output == "" {
					return errors.New("xlsx output requires --output")
				}
			default:
				return fmt.Errorf("unsupported format %q", f.format)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			req, err := f.request(cfg)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if !f.quiet {
				req.Progress = progressPrinter(cmd.ErrOrStderr())
			}
			res, runErr := a.engine.Run(ctx, req)
			if !f.quiet && res != nil {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if res == nil {
				return runErr
			}
			if runErr != nil {
				logger.Warn().Err(runErr).Int("rows", res.Table.Len()).Msg("query stopped early; writing partial results")
			}

			out, closeOut, err := openOutput(cmd.OutOrStdout(), f.output)
			if err != nil {
				return err
			}
			defer closeOut()

			if err := writeResult(out, f.format, res); err != nil {
				return err
			}
			return runErr
		},
	}
	f.register(cmd)
	return cmd
}

func openOutput(stdout io.Writer, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return stdout, func() {}, nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return file, func() { file.Close() }, nil
}

func writeResult(w io.Writer, format string, res *plancheck.QueryResult) error {
	switch format {
	case "xlsx":
		return res.Table.WriteXLSX(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*plancheck.QueryResult
			Rows []plancheck.ResultRow `json:"rows"`
		}{res, res.Table.Rows()})
	default:
		return res.Table.WriteCSV(w)
	}
}

// progressPrinter renders scan progress as a percentage, redrawing only when
// the value changes.
func progressPrinter(w io.Writer) plancheck.ProgressFunc {
	last := -1
	return func(scanned, total int) {
		if total <= 0 {
			return
		}
		pct := scanned * 100 / total
		if pct == last {
			return
		}
		last = pct
		fmt.Fprintf(w, "\rscanning %3d%% (%d/%d)", pct, scanned, total)
	}
}

// -- match --

func matchCmd() *cobra.Command {
	var (
		patientID  string
		planName   string
		date       string
		rangeHours float64
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Find one plan check for a patient by plan name or date",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			req := plancheck.MatchRequest{PatientID: patientID, PlanName: planName}
			if date != "" {
				target, err := plancheck.ParseTargetDate(date)
				if err != nil {
					return err
				}
				req.Window = plancheck.NewDateWindow(target, rangeHours, cfg.UTCOffset(), cfg.DateWindowInclusive)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, newLogger(cfg, os.Stderr))
			if err != nil {
				return err
			}
			defer a.Close()

			match, err := a.matcher.FindStrict(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(match)
		},
	}
	cmd.Flags().StringVar(&patientID, "patient", "", "patient id (required)")
	cmd.Flags().StringVar(&planName, "plan-name", "", "exact plan name, case-insensitive")
	cmd.Flags().StringVar(&date, "date", "", "target date, e.g. 2024-03-01T14:30")
	cmd.Flags().Float64Var(&rangeHours, "range-hours", plancheck.DefaultRangeHours, "window half-width around --date")
	return cmd
}

// -- roster --

func rosterCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "List patients and their plan check counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cfg, os.Stderr))
			if err != nil {
				return err
			}
			defer a.Close()

			fetch := a.roster.Roster
			if refresh {
				fetch = a.roster.Refresh
			}
			roster, err := fetch(cmd.Context())
			if err != nil {
				return err
			}
			return writeRoster(cmd.OutOrStdout(), roster)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the roster cache")
	return cmd
}

func writeRoster(w io.Writer, roster []plancheck.PatientRoster) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"Patient ID", "Patient Name", "Submissions", "Latest"})
	for _, p := range roster {
		latest := ""
		if len(p.Plans) > 0 {
			latest = p.Plans[0].Created().Format(time.RFC3339)
		}
		cw.Write([]string{p.PatientID, p.PatientName, strconv.Itoa(len(p.Plans)), latest})
	}
	cw.Flush()
	return cw.Error()
}

// -- migrate --

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the result archive schema",
	}

	openMigrator := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		schema, _ := cmd.Flags().GetString("schema")

		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required for migrations")
		}
		pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, db.Migrations(), schema), pool.Close, nil
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closePool, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closePool, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		state, at := "pending", ""
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
	}
}

// -- token --

func tokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if subject == "" {
				return errors.New("--subject is required")
			}
			token, err := auth.IssueToken([]byte(cfg.APISigningKey), tokenIssuer, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. a user name")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleReader}, "roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
