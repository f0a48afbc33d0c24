package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tunnbox/internal/backend"
	"tunnbox/internal/config"
	"tunnbox/internal/database"
	"tunnbox/internal/handlers"
	"tunnbox/internal/logs"
	"tunnbox/internal/script"
	"tunnbox/internal/secretbox"
	"tunnbox/internal/services"
)

var rootCmd = &cobra.Command{
	Use:          "tunnbox",
	Short:        "Manage WireGuard interfaces and peers on this host",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Restore active interfaces and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Bring every interface marked active back up and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.close()

		report := app.orch.Reconcile(cmd.Context())
		if !report.OK() {
			return fmt.Errorf("%d interface(s) failed to start", len(report.Failed))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, reconcileCmd)
}

type app struct {
	cfg  *config.Config
	log  *logrus.Logger
	orch *services.Orchestrator
	be   backend.Backend
}

func (a *app) close() {
	if err := a.be.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close backend")
	}
}

func setup() (*app, error) {
	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logs.New(logs.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File})
	if err != nil {
		return nil, err
	}
	if cfg.SecretGenerated {
		log.Warn("no secret_key configured, generated a temporary one: stored peer keys will not survive a restart")
	}

	// 2. Init DB
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	// 3. WireGuard backend
	be, err := backend.New(backend.Options{
		Mode:      cfg.WG.Backend,
		ConfigDir: cfg.WG.ConfigDir,
		Timeout:   cfg.WG.ExecTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init backend: %w", err)
	}

	box, err := secretbox.New(cfg.SecretKey)
	if err != nil {
		be.Close()
		return nil, err
	}
	orch := services.NewOrchestrator(cfg, database.NewStore(db), be, box,
		script.Sanitizer{AllowCustom: cfg.WG.AllowCustomScripts}, log)
	if cfg.WG.AllowCustomScripts {
		log.Warn("custom PostUp/PostDown scripts are allowed, commands are not sanitized")
	}
	return &app{cfg: cfg, log: log, orch: orch, be: be}, nil
}

func serve(ctx context.Context) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	// 4. Restore interfaces marked active
	if report := a.orch.Reconcile(ctx); !report.OK() {
		a.log.WithField("failed", report.Failed).Warn("some interfaces could not be restored")
	}

	// 5. API Server
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.log.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency,
				"request_id": v.RequestID,
			}).Info("request")
			return nil
		},
	}))

	api := e.Group("/api")
	handlers.RegisterRoutes(api, a.orch, a.log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.WithField("address", a.cfg.Server.Address).Info("tunnbox starting")
		if err := e.Start(a.cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.log.Info("shutting down")
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
