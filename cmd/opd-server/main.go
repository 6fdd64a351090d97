package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/opd/internal/config"
	"github.com/hms/opd/internal/domain/booking"
	"github.com/hms/opd/internal/domain/calendar"
	"github.com/hms/opd/internal/domain/modification"
	"github.com/hms/opd/internal/domain/policy"
	"github.com/hms/opd/internal/platform/auth"
	"github.com/hms/opd/internal/platform/db"
	"github.com/hms/opd/internal/platform/jobs"
	"github.com/hms/opd/internal/platform/logging"
	"github.com/hms/opd/internal/platform/metrics"
	"github.com/hms/opd/internal/platform/middleware"
	"github.com/hms/opd/internal/platform/notify"
	"github.com/hms/opd/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "opd-server",
		Short:        "OPD appointment scheduling API server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(sweepCmd())
	return root
}

// migrationSource returns the embedded migrations unless --dir points at a
// directory on disk.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		TimeZone: cfg.TimeZone,
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the OPD API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage hospital tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrationSource(dir))); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(createCmd)
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run maintenance sweeps once",
	}

	noShows := &cobra.Command{
		Use:   "no-shows",
		Short: "Mark open bookings dated before --date as no-shows",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("date")
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			loc, _ := cfg.Location()
			asOf, err := sweepDate(raw, loc, time.Now())
			if err != nil {
				return err
			}
			logger := logging.New(cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := buildApp(cfg, pool, logger, notify.Nop{})
			if err != nil {
				return err
			}
			job := a.noShowJob(pool, loc, logger)
			job.Now = func() time.Time { return asOf }
			if tenant != "" {
				job.Tenants = func(context.Context) ([]string, error) { return []string{tenant}, nil }
			}

			swept, err := job.Execute(ctx)
			if err != nil {
				return err
			}
			for t, n := range swept {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d booking(s) marked no-show\n", t, n)
			}
			return nil
		},
	}
	noShows.Flags().String("date", "", "Sweep bookings dated before this day (YYYY-MM-DD, default today)")
	noShows.Flags().String("tenant", "", "Limit the sweep to one tenant")
	cmd.AddCommand(noShows)
	return cmd
}

// sweepDate resolves --date in the clinic's time zone. Empty means today.
func sweepDate(raw string, loc *time.Location, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.In(loc), nil
	}
	d, err := time.ParseInLocation(calendar.DateLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date %q: expected YYYY-MM-DD", raw)
	}
	return d, nil
}

// app holds the wired domain services.
type app struct {
	calendar     *calendar.Service
	bookings     *booking.Service
	modification *modification.Service
}

func buildApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, pub notify.Publisher) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	policies, err := policy.LoadRegistry(cfg.BranchPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load branch policies: %w", err)
	}
	tx := db.PoolTransactor{Pool: pool}
	overrides := calendar.NewOverrideRepoPG(pool)

	calSvc := calendar.NewService(calendar.NewDefinitionRepoPG(pool), overrides, tx, logger)
	bookingSvc := booking.NewService(
		booking.NewBookingRepoPG(pool),
		booking.NewEventRepoPG(pool),
		booking.NewCreditRepoPG(pool),
		calSvc, policies, tx, logger,
	).WithPublisher(pub).WithLocation(loc)
	modSvc := modification.NewService(modification.NewRepoPG(pool), overrides, bookingSvc, tx, logger).
		WithPublisher(pub).WithLocation(loc)

	return &app{calendar: calSvc, bookings: bookingSvc, modification: modSvc}, nil
}

func (a *app) noShowJob(pool *pgxpool.Pool, loc *time.Location, logger zerolog.Logger) *jobs.NoShowSweep {
	return &jobs.NoShowSweep{
		Tenants: func(ctx context.Context) ([]string, error) { return db.ListTenants(ctx, pool) },
		Run: func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
			return db.WithTenant(ctx, pool, tenantID, fn)
		},
		Sweeper: a.bookings,
		Logger:  logger,
		Now:     func() time.Time { return time.Now().In(loc) },
		Timeout: 10 * time.Minute,
	}
}

// newEcho builds the server with the global middleware chain.
func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))
	e.Use(middleware.RequestTimeout(30*time.Second, "/api/v1/booking-events/export"))

	if cfg.DevAuth() {
		logger.Warn().Msg("development authentication enabled: identity is read from X-User-ID / X-User-Role")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	return e
}

// registerOps mounts the unauthenticated infrastructure endpoints.
func registerOps(e *echo.Echo, pool *pgxpool.Pool, checks ...db.Check) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (a *app) registerRoutes(api *echo.Group) {
	calendar.NewHandler(a.calendar, a.bookings).RegisterRoutes(api)
	booking.NewHandler(a.bookings).RegisterRoutes(api)
	modification.NewHandler(a.modification).RegisterRoutes(api)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New(cfg)
	metrics.Register()

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var (
		pub     notify.Publisher = notify.Nop{}
		backlog notify.Backlog
		checks  []db.Check
	)
	if cfg.RedisURL != "" {
		client, err := notify.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		redisPub := notify.NewRedisPublisher(client, cfg.EventsChannel, logger)
		pub, backlog = redisPub, redisPub
		checks = append(checks, db.Check{Name: "events", Probe: redisPub.Ping})
		logger.Info().Str("channel", cfg.EventsChannel).Msg("publishing lifecycle events to redis")
	}

	a, err := buildApp(cfg, pool, logger, pub)
	if err != nil {
		return err
	}

	e := newEcho(cfg, logger)
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant, auth.PublicPaths()...))
	registerOps(e, pool, checks...)
	api := e.Group("/api/v1")
	a.registerRoutes(api)
	if backlog != nil {
		notify.NewHandler(backlog).RegisterRoutes(api)
	}

	loc, _ := cfg.Location()
	scheduler := jobs.NewScheduler(loc, logger)
	if err := scheduler.AddNoShowSweep(cfg.NoShowSweepCron, a.noShowJob(pool, loc, logger)); err != nil {
		return err
	}
	scheduler.Start()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scheduler.Stop(shutdownCtx)
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
