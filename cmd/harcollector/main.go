package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/harcollector/internal/api"
	"github.com/dgnsrekt/harcollector/internal/archive"
	"github.com/dgnsrekt/harcollector/internal/browser"
	"github.com/dgnsrekt/harcollector/internal/capture"
	"github.com/dgnsrekt/harcollector/internal/cdp"
	"github.com/dgnsrekt/harcollector/internal/config"
	"github.com/dgnsrekt/harcollector/internal/controller"
	"github.com/dgnsrekt/harcollector/internal/export"
	"github.com/dgnsrekt/harcollector/internal/har"
	"github.com/dgnsrekt/harcollector/internal/netutil"
	"github.com/dgnsrekt/harcollector/internal/notify"
	"github.com/dgnsrekt/harcollector/internal/relay"
	"github.com/dgnsrekt/harcollector/internal/storage"
	"github.com/dgnsrekt/harcollector/internal/types"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

type driver interface {
	controller.Driver
	Start(ctx context.Context) error
	Done() <-chan struct{}
	Close() error
}

var errBrowserGone = errors.New("browser connection closed")

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.SlogLevel(), cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("harcollector config loaded",
		"cdp_url", cfg.CDPURL(),
		"driver", cfg.Driver,
		"bind_addr", cfg.BindAddr,
		"tab_url_filter", cfg.TabURLFilter,
		"rules_file", cfg.RulesFile,
		"auto_attach", cfg.AutoAttach,
		"max_pending", cfg.MaxPending,
		"export_dir", cfg.ExportDir,
		"journal_dir", cfg.JournalDir,
		"log_level", cfg.LogLevel,
	)

	if err := run(cfg); err != nil {
		slog.Error("harcollector stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	var rules *config.Rules
	if cfg.RulesFile != "" {
		r, err := config.LoadRules(cfg.RulesFile)
		if err != nil {
			return err
		}
		rules = r
	}

	broker := relay.NewBroker()
	counter := relay.NewCounter(broker)
	observers := capture.MultiObserver{counter}

	var journal *storage.Journal
	if cfg.JournalDir != "" {
		journal = storage.NewJournal(cfg.JournalDir, cfg.JournalBufferSize, cfg.JournalMaxSizeMB, cfg.JournalMaxBodyBytes)
		observers = append(observers, journal)
	}

	registry := capture.NewRegistry(capture.RegistryOptions{
		MaxPending:  cfg.MaxPending,
		BodyTimeout: cfg.BodyTimeout,
		Observer:    observers,
	})

	store, err := archive.NewStore(cfg.ExportDir, cfg.ExportCompress)
	if err != nil {
		return fmt.Errorf("open export store: %w", err)
	}
	coordinator := export.NewCoordinator(registry, har.NewAssembler(cfg.CreatorName, cfg.CreatorVersion), store)

	// The driver hooks fire only after Start, by which point svc is set.
	var svc *controller.Service
	opts := cdp.Options{
		ConnectRetries:  cfg.ConnectRetries,
		OnTargetChanged: func(info types.TargetInfo) { svc.OnTargetChanged(info) },
		OnTargetGone:    func(id string) { svc.OnTargetGone(id) },
	}
	var drv driver
	switch cfg.Driver {
	case "chromedp":
		drv = cdp.NewChromedpDriver(cfg.CDPURL(), registry, opts)
	default:
		drv = cdp.NewRawDriver(cfg.CDPURL(), registry, opts)
	}

	svc = controller.NewService(controller.Deps{
		Driver:      drv,
		Registry:    registry,
		Coordinator: coordinator,
		Store:       store,
		Notifier:    notify.New(cfg.NotifyURL, nil),
		Publisher:   counter,
	}, controller.Options{
		TabURLFilter: cfg.TabURLFilter,
		Rules:        rules,
		AutoAttach:   cfg.AutoAttach,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			Binary:     cfg.BrowserBinary,
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
			StartURL:   cfg.BrowserStartURL,
			Headless:   cfg.BrowserHeadless,
		})
		if err := launcher.Launch(ctx); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer launcher.Stop()
	}

	if err := drv.Start(ctx); err != nil {
		return fmt.Errorf("connect to chromium at %s: %w", cfg.CDPURL(), err)
	}

	if cfg.StartEnabled {
		st, err := svc.StartCapture(ctx, nil)
		if err != nil {
			slog.Warn("initial capture start failed", "code", controller.CodeOf(err), "error", err)
		} else {
			slog.Info("capture started", "sessions", len(st.Sessions))
		}
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return fmt.Errorf("bind api: %w", err)
	}
	bindAddr := ln.Addr().String()

	h := api.NewServer(svc, relay.SSEHandler(broker, counter.Snapshot))
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("harcollector listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-drv.Done():
			return errBrowserGone
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("api shutdown failed", "error", err)
		}
		return nil
	})

	err = g.Wait()

	// Detaching discards sessions, so in-flight bodies land and the final
	// export runs first.
	registry.Wait()
	if cfg.ExportOnExit {
		exportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		res, xerr := coordinator.Export(exportCtx)
		cancel()
		if xerr != nil {
			slog.Error("final export failed", "error", xerr)
		} else {
			slog.Info("final export stored", "filename", res.Filename, "entries", res.Entries, "bytes", res.Bytes)
		}
	}
	detachCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if derr := drv.DetachAll(detachCtx); derr != nil {
		slog.Debug("detach on shutdown failed", "error", derr)
	}
	cancel()
	if cerr := drv.Close(); cerr != nil {
		slog.Debug("driver close failed", "error", cerr)
	}
	if journal != nil {
		if cerr := journal.Close(); cerr != nil {
			slog.Warn("journal close failed", "error", cerr)
		}
	}
	slog.Info("harcollector shut down", "exports_dir", cfg.ExportDir)
	return err
}

func setupLogger(level slog.Level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
	return nil
}
