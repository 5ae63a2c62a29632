package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/scheduler/internal/config"
	"github.com/clinic/scheduler/internal/domain/scheduling"
	"github.com/clinic/scheduler/internal/platform/auth"
	"github.com/clinic/scheduler/internal/platform/db"
	"github.com/clinic/scheduler/internal/platform/events"
	"github.com/clinic/scheduler/internal/platform/middleware"
	"github.com/clinic/scheduler/internal/platform/notification"
	"github.com/clinic/scheduler/internal/platform/openapi"
	"github.com/clinic/scheduler/internal/platform/telemetry"
	"github.com/clinic/scheduler/internal/platform/webhook"
	"github.com/clinic/scheduler/internal/platform/websocket"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
	bodyLimit       = "64K"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scheduler-server",
		Short: "Therapy clinic slot scheduling API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(presetsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
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

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, cfg *config.Config, m *db.Migrator) error {
				v, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schema %s is at version %d.\n", cfg.DBSchema, v)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, cfg *config.Config, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), cfg.DBSchema, statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *config.Config, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.BackendPostgres {
		return fmt.Errorf("migrations need STORE_BACKEND=%s", config.BackendPostgres)
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	m, err := db.NewMigrator(pool, cfg.DBSchema, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(ctx, cfg, m)
}

func printMigrations(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %s\n", "VERSION", "NAME", "STATUS")
	for _, s := range statuses {
		state := "pending"
		if s.Applied {
			state = "applied"
		}
		fmt.Fprintf(w, "%-10d %-40s %s\n", s.Version, s.Name, state)
	}
}

func presetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "Print the preset slot grid built from SHIFT_WINDOWS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			gen, err := presetGenerator(cfg)
			if err != nil {
				return err
			}
			if raw, _ := cmd.Flags().GetString("date"); raw != "" {
				date, err := scheduling.ParseDate(raw)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Presets for %s\n", date)
			}
			printPresets(cmd.OutOrStdout(), gen)
			return nil
		},
	}
	cmd.Flags().String("date", "", "Date to label the grid with (YYYY-MM-DD)")
	return cmd
}

func printPresets(w io.Writer, gen *scheduling.PresetGenerator) {
	for _, win := range gen.Windows() {
		fmt.Fprintf(w, "%02d:00-%02d:00 every %d min\n", win.StartHour, win.EndHour, win.WidthMinutes)
	}
	for _, c := range gen.Candidates() {
		fmt.Fprintf(w, "  %s-%s\n", c.Start, c.End)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	}
}

func presetGenerator(cfg *config.Config) (*scheduling.PresetGenerator, error) {
	windows, err := scheduling.ParseShiftWindows(cfg.ShiftWindows, cfg.SlotWidthMinutes)
	if err != nil {
		return nil, fmt.Errorf("SHIFT_WINDOWS: %w", err)
	}
	return scheduling.NewPresetGenerator(windows, cfg.CustomSlotMinMinutes, cfg.CustomSlotMaxMinutes), nil
}

// store is the repository plus whatever the chosen backend needs at shutdown
// and for /health/db.
type store struct {
	repo    scheduling.Repository
	pool    *pgxpool.Pool
	version db.VersionFunc
	close   func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn().Msg("using in-memory store: data is lost on restart")
		return &store{repo: scheduling.NewMemoryRepository(), close: func() {}}, nil
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	m, err := db.NewMigrator(pool, cfg.DBSchema, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	v, err := m.Up(ctx)
	if err != nil {
		m.Close()
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Str("schema", cfg.DBSchema).Int64("version", v).Msg("connected to database")

	return &store{
		repo:    scheduling.NewPGRepository(pool),
		pool:    pool,
		version: m.Version,
		close: func() {
			m.Close()
			pool.Close()
		},
	}, nil
}

// notifierSinks builds the sinks enabled by configuration. All are optional.
func notifierSinks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]notification.Sink, func(), error) {
	var sinks []notification.Sink
	cleanup := func() {}

	if cfg.SMTPHost != "" {
		dir, err := notification.ParseDirectory(cfg.NotifyRecipients)
		if err != nil {
			return nil, cleanup, fmt.Errorf("NOTIFY_RECIPIENTS: %w", err)
		}
		sender := notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		sinks = append(sinks, notification.NewEmailSink(sender, nil, dir))
		logger.Info().Str("host", cfg.SMTPHost).Int("recipients", len(dir)).Msg("email notifications enabled")
	}

	if cfg.RedisURL != "" {
		pub, err := events.NewRedisPublisher(ctx, cfg.RedisURL, cfg.EventsChannel)
		if err != nil {
			return nil, cleanup, err
		}
		sinks = append(sinks, pub)
		cleanup = func() { pub.Close() }
		logger.Info().Str("channel", cfg.EventsChannel).Msg("redis event publishing enabled")
	}

	if cfg.WebhookURLs != "" {
		eps, err := webhook.ParseEndpoints(cfg.WebhookURLs, cfg.WebhookSecret, cfg.WebhookEvents)
		if err != nil {
			return nil, cleanup, fmt.Errorf("WEBHOOK_URLS: %w", err)
		}
		hook, err := webhook.NewSink(eps)
		if err != nil {
			return nil, cleanup, err
		}
		sinks = append(sinks, hook)
		logger.Info().Int("endpoints", len(eps)).Msg("webhook delivery enabled")
	}

	return sinks, cleanup, nil
}

// newEcho assembles the HTTP surface. /health/db is only mounted for the
// postgres backend.
func newEcho(cfg *config.Config, logger zerolog.Logger, h *scheduling.Handler, stream *websocket.Handler, metrics *telemetry.Metrics, st *store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewRequestValidator()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit(bodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader, auth.DevRolesHeader},
	}))

	// Health and metrics stay outside auth.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"backend": cfg.StoreBackend,
		})
	})
	if st.pool != nil {
		e.GET("/health/db", db.HealthHandler(st.pool, st.version))
	}
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	h.RegisterRoutes(apiV1)
	stream.RegisterRoutes(apiV1)

	doc := openapi.NewGenerator("Therapy Scheduling API", version, "/api/v1", e.Routes)
	h.DescribeRoutes(doc)
	stream.DescribeRoutes(doc)
	doc.RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	loc, _ := cfg.Location()

	ctx := context.Background()

	presets, err := presetGenerator(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid shift windows")
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.close()

	metrics := telemetry.NewMetrics()

	sinks, closeSinks, err := notifierSinks(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up notifications")
	}
	defer closeSinks()
	hub := websocket.NewHub(logger)
	sinks = append(sinks, hub)
	dispatcher := notification.NewDispatcher(cfg.NotifyQueueSize, logger, metrics, sinks...)
	dispatcher.Start()

	svc := scheduling.NewService(st.repo,
		scheduling.WithPresets(presets),
		scheduling.WithNotifier(dispatcher),
		scheduling.WithObserver(metrics),
		scheduling.WithLogger(logger.With().Str("component", "scheduling").Logger()),
	)
	h := scheduling.NewHandler(svc, time.Now, loc)

	e := newEcho(cfg, logger, h, websocket.NewHandler(hub, cfg.CORSOrigins), metrics, st)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("timezone", loc.String()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("notification queue not drained")
	}
	hub.Close()
	logger.Info().Msg("server stopped")
	return nil
}
