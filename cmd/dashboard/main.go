// cmd/dashboard/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trafficwatch-dashboard/internal/aggregate"
	"trafficwatch-dashboard/internal/alerting"
	"trafficwatch-dashboard/internal/anomaly"
	"trafficwatch-dashboard/internal/api"
	"trafficwatch-dashboard/internal/archive"
	"trafficwatch-dashboard/internal/auth"
	"trafficwatch-dashboard/internal/backend"
	"trafficwatch-dashboard/internal/config"
	"trafficwatch-dashboard/internal/dashboard"
	"trafficwatch-dashboard/internal/data"
	"trafficwatch-dashboard/internal/frames"
	"trafficwatch-dashboard/internal/live"
	"trafficwatch-dashboard/internal/metrics"
	"trafficwatch-dashboard/internal/snapshot"
	"trafficwatch-dashboard/internal/websocket"
)

func main() {
	// --- Configuration ---
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	webDir := flag.String("webdir", "", "Path to the web assets directory (overrides server.web_dir)")
	hashPassword := flag.String("hash-password", "", "Print the bcrypt hash of a password for auth.users and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("error loading config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)
	if *webDir != "" {
		cfg.Server.WebDir = *webDir
	}

	if err := run(cfg); err != nil {
		slog.Error("dashboard stopped", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func run(cfg *config.Config) error {
	loc, err := cfg.Dashboard.Location()
	if err != nil {
		return err
	}
	granularity, err := aggregate.ParseGranularity(cfg.Dashboard.DefaultGranularity)
	if err != nil {
		return err
	}

	// --- Initialize Components ---
	m := metrics.New()

	var store *archive.SQLiteArchive
	if cfg.Archive.Path != "" {
		store, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		archived, err := store.Count(context.Background())
		if err != nil {
			return err
		}
		slog.Info("archiving records", "path", store.Path(), "archived", archived)
	}

	var (
		source  snapshot.Source
		cameras api.CameraService
	)
	switch cfg.Snapshot.Source {
	case "rest":
		client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, cfg.Backend.ActiveOnly)
		source, cameras = client, client
	case "mongo":
		ms, err := snapshot.NewMongoSource(cfg.Snapshot.Mongo.URI, cfg.Snapshot.Mongo.Database, cfg.Snapshot.Mongo.Collection, cfg.Backend.ActiveOnly)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ms.Close(ctx); err != nil {
				slog.Warn("error disconnecting from mongo", "error", err)
			}
		}()
		source = ms
	case "file":
		source = &snapshot.FileSource{Path: cfg.Snapshot.File}
	case "archive":
		source = store
	}
	slog.Info("snapshot source selected", "source", cfg.Snapshot.Source, "live", cfg.Live.Transport)

	hub := websocket.NewHub(m)
	detector := anomaly.NewDetector(cfg.Anomaly.Rules)
	alerter := alerting.NewAlerter(hub, cfg.Anomaly.Cooldown)

	var frameCache *frames.Cache
	if cfg.Live.Frames {
		frameCache = frames.NewCache()
		m.WatchFrames(frameCache.Overwritten)
	}

	views := dashboard.NewManager(dashboard.ManagerConfig{
		Source:   source,
		Location: loc,
		Transports: func(scope string, frames bool) (live.Transport, error) {
			return live.FromConfig(cfg.Live, scope, frames)
		},
		Frames: frameCache,
		Live: live.Options{
			Delay:         cfg.Live.ReconnectDelay,
			EscalateAfter: cfg.Live.EscalateAfter,
			Metrics:       m,
		},
		Linger:  cfg.Dashboard.ViewLinger,
		Metrics: m,
		Hooks:   hooks(hub, detector, alerter, store, cfg.Snapshot.Source != "archive"),
	})

	// The global view stays open for the lifetime of the process.
	_, releaseGlobal, err := views.Acquire("")
	if err != nil {
		return err
	}

	apiHandler, err := api.NewAPIHandler(api.Options{
		Views:              views,
		Hub:                hub,
		Auth:               auth.NewAuthManager(cfg.Auth),
		Frames:             frameCache,
		Cameras:            cameras,
		WebDir:             cfg.Server.WebDir,
		DefaultGranularity: granularity,
	})
	if err != nil {
		releaseGlobal()
		views.Close()
		return err
	}

	// --- Start WebSocket Hub ---
	go hub.Run()

	// --- Setup HTTP Servers ---
	uiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler:           api.SetupUIRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.OpsPort),
		Handler:           api.SetupOpsRouter(apiHandler, m.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		slog.Info("starting web UI & websocket server", "port", cfg.Server.UIPort)
		if err := uiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("ui server: %w", err)
		}
	}()
	go func() {
		slog.Info("starting ops server", "port", cfg.Server.OpsPort)
		if err := opsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("ops server: %w", err)
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		slog.Info("shutting down servers", "signal", sig.String())
	case runErr = <-errs:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := uiServer.Shutdown(ctx); err != nil {
		slog.Warn("ui server shutdown", "error", err)
	}
	if err := opsServer.Shutdown(ctx); err != nil {
		slog.Warn("ops server shutdown", "error", err)
	}
	hub.Stop()
	releaseGlobal()
	views.Close()

	slog.Info("servers gracefully stopped")
	return runErr
}

// hooks connects the views to the websocket hub, the anomaly detector and the
// archive. store may be nil. Detection and archiving run on the global view only,
// since camera views see a subset of the same records.
func hooks(hub *websocket.Hub, detector *anomaly.Detector, alerter *alerting.Alerter, store *archive.SQLiteArchive, archiveSnapshot bool) dashboard.Hooks {
	return dashboard.Hooks{
		Changed: hub.ViewChanged,
		Loaded: func(v *dashboard.View, cams []data.CameraDetails, records []data.DetectionRecord) {
			if store == nil || !archiveSnapshot || v.Scope() != "" {
				return
			}
			ctx := context.Background()
			if err := store.SaveCameras(ctx, cams); err != nil {
				slog.Warn("error archiving cameras", "scope", v.Scope(), "error", err)
			}
			if err := store.AppendBatch(ctx, records); err != nil {
				slog.Warn("error archiving snapshot", "scope", v.Scope(), "error", err)
			}
		},
		Record: func(v *dashboard.View, rec data.DetectionRecord) {
			if v.Scope() != "" {
				return
			}
			alerter.ProcessAlerts(detector.Check(rec))
			if store != nil {
				if err := store.Append(context.Background(), rec); err != nil {
					slog.Warn("error archiving record", "label", rec.CameraLabel, "error", err)
				}
			}
		},
		Degraded: func(v *dashboard.View, err error) {
			alerter.ChannelDegraded(v.Scope(), err)
		},
		Recovered: func(v *dashboard.View) {
			alerter.ChannelRecovered(v.Scope())
		},
	}
}
