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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/debrid_downloader/internal/blackhole"
	"github.com/italolelis/debrid_downloader/internal/cleanup"
	"github.com/italolelis/debrid_downloader/internal/config"
	"github.com/italolelis/debrid_downloader/internal/dc"
	"github.com/italolelis/debrid_downloader/internal/dc/torbox"
	"github.com/italolelis/debrid_downloader/internal/downloader"
	"github.com/italolelis/debrid_downloader/internal/http/rest"
	"github.com/italolelis/debrid_downloader/internal/intake"
	"github.com/italolelis/debrid_downloader/internal/logctx"
	"github.com/italolelis/debrid_downloader/internal/notifier"
	"github.com/italolelis/debrid_downloader/internal/ratelimit"
	"github.com/italolelis/debrid_downloader/internal/storage"
	"github.com/italolelis/debrid_downloader/internal/storage/sqlite"
	"github.com/italolelis/debrid_downloader/internal/svc/arr"
	"github.com/italolelis/debrid_downloader/internal/telemetry"
	"github.com/italolelis/debrid_downloader/internal/worker"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("debrid downloader starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	settingsRepo := sqlite.NewSettingsRepository(database)

	// Settings saved through the API override env config on the next boot.
	overrides, err := settingsRepo.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted settings: %w", err)
	}

	if skipped := cfg.ApplyOverrides(overrides); len(skipped) > 0 {
		logger.Warn("ignoring unparsable persisted settings", "keys", skipped)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	dr := sqlite.NewInstrumentedDownloadRepository(database, tel)

	if err := tel.RegisterDownloadsObserver(func(ctx context.Context) (map[string]int64, error) {
		tracked, err := dr.GetDownloads(ctx)
		if err != nil {
			return nil, err
		}

		counts := make(map[string]int64, len(tracked))
		for _, d := range tracked {
			counts[string(d.Status)]++
		}

		return counts, nil
	}); err != nil {
		return fmt.Errorf("failed to register downloads gauge: %w", err)
	}

	// =========================================================================
	// Start Remote Client
	limiter := ratelimit.New(cfg.RateLimitPerMinute, time.Minute)
	defer limiter.Close()

	remote := dc.NewInstrumentedClient(torbox.NewClient(cfg.TorboxBaseURL, cfg.TorboxAPIKey, limiter, cfg.RequestTimeout), tel, "torbox")

	// =========================================================================
	// Start Lifecycle Worker
	saver := downloader.NewInstrumentedDownloader(downloader.New(cfg.DownloadDir), tel)

	lifecycle := worker.New(dr, remote, saver, worker.Config{
		TickInterval:           cfg.TickInterval,
		PollInterval:           cfg.PollInterval,
		PollMaxRetries:         cfg.PollMaxRetries,
		FetchMaxRetries:        cfg.FetchMaxRetries,
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
	})

	// Buffered for the same reason as serverErrors below.
	workerErrors := make(chan error, 1)

	go func() {
		workerErrors <- lifecycle.Run(ctx)
	}()

	// =========================================================================
	// Start Notifications
	setupNotifications(ctx, lifecycle, tel, cfg)

	// =========================================================================
	// Start Intake
	intakeSvc := intake.NewService(dr, cfg.SpoolDir)

	if cfg.BlackholeDir != "" {
		watcher := blackhole.NewWatcher(intakeSvc, cfg.BlackholeDir, cfg.BlackholeScanInterval)

		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("blackhole watcher stopped", "err", err)
			}
		}()
	}

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, dr, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	api := rest.NewDownloadsHandler(dr, settingsRepo, intakeSvc, lifecycle, cfg.Web.Username, cfg.Web.Password)

	server := setupServer(ctx, api, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"spool_dir", cfg.SpoolDir,
		"rate_limit_per_minute", cfg.RateLimitPerMinute,
		"max_concurrent_downloads", cfg.MaxConcurrentDownloads,
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		tel.RecordSystemError(ctx, "web", "server_error")

		return fmt.Errorf("server error: %w", err)
	case err := <-workerErrors:
		if err != nil {
			tel.RecordSystemError(ctx, "worker", "run_error")

			return fmt.Errorf("lifecycle worker error: %w", err)
		}

		// The worker exits cleanly only once the context is cancelled.
		lifecycle.Close()

		return shutdownServer(ctx, server, cfg)
	case <-ctx.Done():
		logger.Info("start shutdown")

		if err := shutdownServer(ctx, server, cfg); err != nil {
			return err
		}

		// Let in-flight downloads settle before closing the event channels.
		if err := <-workerErrors; err != nil {
			logger.Error("lifecycle worker stopped with error", "err", err)
		}

		lifecycle.Close()

		return nil
	}
}

// shutdownServer gives outstanding requests a deadline for completion.
func shutdownServer(ctx context.Context, server *http.Server, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

func setupNotifications(ctx context.Context, lifecycle *worker.Worker, tel *telemetry.Telemetry, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var targets notifier.Multi
	if cfg.DiscordWebhookURL != "" {
		targets = append(targets, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL})
	}

	scanners := arr.Scanners{}
	if cfg.Radarr.URL != "" {
		scanners["radarr"] = arr.NewClient(cfg.Radarr.APIKey, cfg.Radarr.URL, arr.MoviesScanCommand)
	}

	if cfg.Sonarr.URL != "" {
		scanners["sonarr"] = arr.NewClient(cfg.Sonarr.APIKey, cfg.Sonarr.URL, arr.EpisodesScanCommand)
	}

	if cfg.Whisparr.URL != "" {
		scanners["whisparr"] = arr.NewClient(cfg.Whisparr.APIKey, cfg.Whisparr.URL, arr.EpisodesScanCommand)
	}

	go func() {
		for d := range lifecycle.OnDownloadCompleted {
			logger.Info("download finished", "download_id", d.ID, "filename", d.Filename, "local_path", d.LocalPath)

			tel.RecordDownloadFinished(ctx, string(d.Status))

			if err := scanners.ScanFor(ctx, d.Category, d.LocalPath); err != nil {
				logger.Error("failed to trigger import scan", "download_id", d.ID, "category", d.Category, "err", err)
			}

			if err := targets.Notify(ctx, "✅ Download finished: "+d.Filename); err != nil {
				logger.Error("failed to send notification", "download_id", d.ID, "err", err)
			}
		}
	}()

	go func() {
		for d := range lifecycle.OnDownloadFailed {
			logger.Error("download failed", "download_id", d.ID, "filename", d.Filename, "reason", d.Error)

			tel.RecordDownloadFinished(ctx, string(d.Status))

			if err := targets.Notify(ctx, "❌ Download failed: "+d.Filename+" ("+d.Error+")"); err != nil {
				logger.Error("failed to send notification", "download_id", d.ID, "err", err)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, api *rest.DownloadsHandler, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	// The metrics endpoint lives outside the API router so scrapes skip auth.
	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/", api.Routes())

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

func setupCleanup(ctx context.Context, dr storage.DownloadRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				tracked, err := dr.GetDownloads(ctx)
				if err != nil {
					logger.Error("failed to get tracked downloads for cleanup", "err", err)

					continue
				}

				if err := cleanup.DeleteExpiredSpoolFiles(ctx, tracked, cfg.SpoolDir, cfg.KeepSpoolFor); err != nil {
					logger.Error("failed to delete expired spool files", "err", err)
				}
			}
		}
	}()
}
