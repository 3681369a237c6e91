// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/invitehq/courier/internal/auth"
	"github.com/invitehq/courier/internal/config"
	"github.com/invitehq/courier/internal/dispatch"
	"github.com/invitehq/courier/internal/dispatch/chat"
	"github.com/invitehq/courier/internal/dispatch/email"
	dispatchpostgres "github.com/invitehq/courier/internal/dispatch/postgres"
	"github.com/invitehq/courier/internal/dispatch/push"
	"github.com/invitehq/courier/internal/dispatch/sms"
	"github.com/invitehq/courier/internal/domain"
	"github.com/invitehq/courier/internal/pkg/ctxlog"
	"github.com/invitehq/courier/internal/pkg/httputil"
	"github.com/invitehq/courier/internal/pkg/metrics"
	"github.com/invitehq/courier/internal/pkg/postgres"
	"github.com/invitehq/courier/internal/version"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	dispatchWorker    *dispatch.Worker
	reminderScheduler *dispatch.ReminderScheduler
	leaseSweeper      *dispatch.LeaseSweeper
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Stop background loops before closing the database
	if a.dispatchWorker != nil {
		a.dispatchWorker.Stop()
	}
	if a.reminderScheduler != nil {
		a.reminderScheduler.Stop()
	}
	if a.leaseSweeper != nil {
		a.leaseSweeper.Stop()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, store dispatch.Store) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := store.Stats(ctx, 0)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			dispatch.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// DispatchWorker returns the dispatch worker instance.
// Used in tests to access worker state. Returns nil if the queue is disabled.
func (a *App) DispatchWorker() *dispatch.Worker {
	return a.dispatchWorker
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	store := dispatchpostgres.NewRepository(a.db)
	service := dispatch.NewService(store)

	policy := dispatch.PolicyFromName(a.config.Queue.CompletionPolicy)
	schedule := dispatch.FixedSchedule(a.config.Queue.Retry.Schedule)
	outcome := dispatch.NewOutcomeHandler(store, schedule, policy)

	slog.Info("dispatch queue configured",
		"enabled", a.config.Queue.Enabled,
		"completion_policy", policy.Name(),
		"email_enabled", a.config.Senders.Email.Enabled,
		"sms_enabled", a.config.Senders.SMS.Enabled,
		"push_enabled", a.config.Senders.Push.Enabled,
	)

	if a.config.Queue.Enabled {
		emailSender, err := email.NewSender(email.Config{
			Enabled:      a.config.Senders.Email.Enabled,
			SMTPHost:     a.config.Senders.Email.SMTPHost,
			SMTPPort:     a.config.Senders.Email.SMTPPort,
			SMTPUser:     a.config.Senders.Email.SMTPUser,
			SMTPPassword: a.config.Senders.Email.SMTPPassword,
			FromAddress:  a.config.Senders.Email.FromAddress,
		})
		if err != nil {
			return nil, fmt.Errorf("create email sender: %w", err)
		}

		if !a.config.Senders.Email.Enabled {
			slog.Warn("email sender is disabled: email dispatches will fail permanently")
		}

		smsSender, err := sms.NewSender(sms.Config{
			Enabled:    a.config.Senders.SMS.Enabled,
			APIURL:     a.config.Senders.SMS.APIURL,
			APIKey:     a.config.Senders.SMS.APIKey,
			FromNumber: a.config.Senders.SMS.FromNumber,
			RateLimit:  a.config.Senders.SMS.RateLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("create sms sender: %w", err)
		}

		pushSender, err := push.NewSender(push.Config{
			Enabled:   a.config.Senders.Push.Enabled,
			ServerKey: a.config.Senders.Push.ServerKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create push sender: %w", err)
		}

		// Chat is always available (webhook URL is the per-record recipient)
		chatSender := chat.NewSender(chat.Config{
			DefaultUsername: a.config.Senders.Chat.Username,
			DefaultIconURL:  a.config.Senders.Chat.IconURL,
		})

		dispatcher := dispatch.NewDispatcher(emailSender, smsSender, chatSender, pushSender)

		renderer, err := dispatch.NewRenderer()
		if err != nil {
			return nil, fmt.Errorf("create renderer: %w", err)
		}

		workerConfig := dispatch.WorkerConfig{
			BatchSize:    a.config.Queue.Worker.BatchSize,
			PollInterval: a.config.Queue.Worker.PollInterval,
			NumWorkers:   a.config.Queue.Worker.NumWorkers,
			SendTimeout:  a.config.Queue.Worker.SendTimeout,
		}

		a.dispatchWorker = dispatch.NewWorker(workerConfig, store, outcome, dispatcher, renderer)
		a.dispatchWorker.Start(ctx)

		a.reminderScheduler = dispatch.NewReminderScheduler(store, a.config.Queue.Reminder.SweepInterval)
		a.reminderScheduler.Start(ctx)

		a.leaseSweeper = dispatch.NewLeaseSweeper(store, a.config.Queue.Lease.SweepInterval, a.config.Queue.Lease.Duration)
		a.leaseSweeper.Start(ctx)

		// Start queue metrics collection
		go a.collectQueueMetrics(ctx, store)
	}

	handler := dispatch.NewHandler(service, outcome)
	authenticator := auth.NewAuthenticator(a.config.JWT.SecretKey)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(authenticator))

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleWorker))
				handler.RegisterWorkerRoutes(r)
			})

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleAdmin))
				handler.RegisterAdminRoutes(r)
			})
		})
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
