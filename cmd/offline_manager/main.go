package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/openlearn/offline_manager/internal/codec"
	"github.com/openlearn/offline_manager/internal/config"
	"github.com/openlearn/offline_manager/internal/fetch"
	"github.com/openlearn/offline_manager/internal/http/rest"
	"github.com/openlearn/offline_manager/internal/library"
	"github.com/openlearn/offline_manager/internal/logctx"
	"github.com/openlearn/offline_manager/internal/notifier"
	"github.com/openlearn/offline_manager/internal/storage/sqlite"
	"github.com/openlearn/offline_manager/internal/telemetry"
	"github.com/openlearn/offline_manager/internal/tracking"
	"github.com/openlearn/offline_manager/internal/vault"
)

const megabyte = 1024 * 1024

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("offline manager starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedLibraryRepository(database, tel)

	// =========================================================================
	// Start Backend Client
	backend := tracking.NewClient(cfg.BackendBaseURL, cfg.BackendToken, tel)

	// =========================================================================
	// Start Codec
	mediaCodec := codec.New(vault.NewSQLiteVault(database), cfg.TempDir)

	if err := mediaCodec.CleanupAllTemp(ctx); err != nil {
		logger.Warn("failed to clean temp playback files", "err", err)
	}

	// =========================================================================
	// Start Library Manager
	var encryptor library.Encryptor
	if cfg.EncryptDownloads {
		encryptor = mediaCodec
	}

	manager := library.NewManager(
		repo,
		fetch.NewClient(),
		&subscriptionEntitlements{backend: backend},
		encryptor,
		tel,
		library.Config{
			DataDir:       cfg.DataDir,
			RequiredSpace: cfg.RequiredSpaceMB * megabyte,
			SpaceMargin:   cfg.SpaceMarginMB * megabyte,
			SweepInterval: cfg.SweepInterval,
		},
	)

	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("failed to load library: %w", err)
	}

	// =========================================================================
	// Start Notification
	setupNotificationForManager(ctx, manager, cfg)

	manager.Run(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, manager, backend, mediaCodec, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"data_dir", cfg.DataDir,
		"sweep_interval", cfg.SweepInterval.String(),
		"encrypt_downloads", cfg.EncryptDownloads,
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// subscriptionEntitlements gates downloads on the backend subscription check.
type subscriptionEntitlements struct {
	backend *tracking.Client
}

func (e *subscriptionEntitlements) CanDownload(ctx context.Context, userID string) (bool, error) {
	return e.backend.SubscriptionActive(ctx, tracking.Identity{UserID: userID})
}

func setupNotificationForManager(ctx context.Context, manager *library.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.AlertWebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.AlertWebhookURL}
	}

	go func() {
		for entry := range manager.OnCourseDownloadError {
			logger.Error("course download failed", "course_id", entry.ID, "course_name", entry.Name)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(notifier.Event{
				Kind:       notifier.KindDownloadFailed,
				CourseID:   entry.ID,
				CourseName: entry.Name,
				Message:    "❌ Download failed for course: " + entry.Name,
			}); notifyErr != nil {
				logger.Error("failed to send notification", "course_id", entry.ID, "err", notifyErr)
			}
		}
	}()

	go func() {
		for entry := range manager.OnCourseDownloaded {
			logger.Info("course download finished", "course_id", entry.ID, "course_name", entry.Name)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(notifier.Event{
				Kind:       notifier.KindDownloadFinished,
				CourseID:   entry.ID,
				CourseName: entry.Name,
				Message:    "✅ Download finished for course: " + entry.Name,
			}); notifyErr != nil {
				logger.Error("failed to send notification", "course_id", entry.ID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *library.Manager, backend *tracking.Client, mediaCodec *codec.Codec, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	libHandler := rest.NewLibraryHandler(cfg.Web.Username, cfg.Web.Password, manager)
	playerHandler := rest.NewPlayerHandler(backend, &tracking.ConnectivityFlag{}, mediaCodec)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging(tel))
	r.Mount("/api", libHandler.Routes())
	r.Mount("/api/player", playerHandler.Routes())
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
