package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"giftcard-autopilot-go/internal/automation"
	"giftcard-autopilot-go/internal/clock"
	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/db"
	"giftcard-autopilot-go/internal/extractor"
	"giftcard-autopilot-go/internal/fetcher"
	"giftcard-autopilot-go/internal/handlers"
	"giftcard-autopilot-go/internal/ledger"
	"giftcard-autopilot-go/internal/metrics"
	"giftcard-autopilot-go/internal/notifier"
	"giftcard-autopilot-go/internal/orchestrator"
	"giftcard-autopilot-go/internal/scheduler"
	"giftcard-autopilot-go/internal/secrets"
	"giftcard-autopilot-go/internal/server"
	"giftcard-autopilot-go/internal/session"
	"giftcard-autopilot-go/internal/watcher"
)

// App is the fully wired service
type App struct {
	Config       *config.Config
	DB           *gorm.DB
	Ledger       *ledger.Ledger
	Secrets      *secrets.Store
	Fetcher      fetcher.EmailFetcher
	Notifier     *notifier.Notifier
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Sessions     *session.Manager
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Clock        clock.Clock
}

// New builds every component from cfg. The caller owns Close.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Clock: clock.New()}

	var err error
	a.DB, err = db.Init(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.Ledger = ledger.New(a.DB)

	a.Secrets, err = secrets.Open(cfg.Secrets.Path, cfg.Secrets.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret store: %w", err)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewMetrics(a.Registry)

	a.Notifier, err = notifier.FromConfig(ctx, cfg.Notifications, cfg.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to configure notifications: %w", err)
	}
	a.Notifier.OnFailure(func(channel string) {
		a.Metrics.NotificationFailures.WithLabelValues(channel).Inc()
	})

	a.Fetcher, err = fetcher.New(ctx, cfg.Email, a.Secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to create email fetcher: %w", err)
	}
	logrus.Infof("Using %s for email fetching", cfg.Email.Provider)

	a.Sessions = session.NewManager(&session.PlaywrightLauncher{
		Browser:     cfg.Automation.Browser,
		Headless:    cfg.Automation.Headless,
		UserAgent:   cfg.Automation.UserAgent,
		StepTimeout: cfg.Automation.StepTimeout,
	})
	a.Sessions.OnWait(func(d time.Duration) {
		a.Metrics.SessionWait.Observe(d.Seconds())
	})

	runner := automation.NewRunner(cfg.Automation)
	w := watcher.New(
		a.Fetcher,
		a.Ledger,
		extractor.New(extractor.OptionsFromConfig(cfg.Extraction)),
		a.Clock,
		watcher.Options{Lookback: cfg.Email.Lookback, Overlap: cfg.Email.Overlap, CoolDown: cfg.Schedule.CoolDown},
	).WithMetrics(a.Metrics)

	ocfg, err := orchestrator.ConfigFromSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	a.Scheduler = scheduler.New(a.Clock)
	a.Orchestrator, err = orchestrator.New(ocfg, orchestrator.Deps{
		Ledger:    a.Ledger,
		Watcher:   w,
		Purchaser: automation.NewScriptedPurchaser(runner, a.Secrets, cfg.Automation.Purchase),
		Redeemer:  automation.NewScriptedRedeemer(runner, a.Secrets, cfg.Automation.Redeem),
		Sessions:  a.Sessions,
		Scheduler: a.Scheduler,
		Notifier:  a.Notifier,
		Clock:     a.Clock,
		Metrics:   a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close waits for queued notifications and releases the inbox and database
func (a *App) Close() error {
	if a.Notifier != nil {
		a.Notifier.Wait()
	}
	var errs []error
	if a.Fetcher != nil {
		if err := a.Fetcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close fetcher: %w", err))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close database: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// Run initializes and starts the service, blocking until SIGINT or SIGTERM
func Run(cfg *config.Config) error {
	logrus.Info("Starting Gift Card Autopilot")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logrus.Errorf("Shutdown error: %v", err)
		}
	}()

	if err := a.Orchestrator.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover state: %w", err)
	}
	if err := a.Orchestrator.Register(); err != nil {
		return fmt.Errorf("failed to register schedules: %w", err)
	}
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	h := handlers.NewHandlers(a.Ledger, a.Orchestrator, a.Registry, a.Clock)
	srv := server.New(cfg.Server, h)

	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logrus.Errorf("HTTP server error: %v", err)
	}

	a.shutdown(srv)
	logrus.Info("Server stopped gracefully")
	return nil
}

// shutdown stops the timers before the HTTP server so no cycle starts once
// shutdown has begun, then waits for running cycles
func (a *App) shutdown(srv *http.Server) {
	logrus.Info("Shutting down server...")
	if err := a.Scheduler.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	a.Scheduler.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}
}
