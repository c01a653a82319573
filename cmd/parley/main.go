// Command parley runs NPC conversations against a console game, serving
// health and metrics on the ops HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/game/console"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "parley: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	// ── Configuration ─────────────────────────────────────────────────────────
	current := new(atomic.Pointer[app.App])
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		onConfigChange(old, new, reg, &level, current)
	}, config.WithWatchLogger(logger))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))
	if err := reg.Check(cfg); err != nil {
		slog.Error("unknown providers in config", "err", err)
		return 1
	}

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"game", cfg.Game.Name,
		"characters", len(cfg.Characters),
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return watcher.Run(gctx) })

	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := newOpsServer(addr, tel.Handler(), metrics, current)
		g.Go(func() error {
			slog.Info("ops server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		// Returning stops the watcher and the ops server too.
		defer stop()
		return converse(gctx, watcher, reg, metrics, current)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("parley stopped with error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// converse builds an App from the latest config and runs conversations until
// the player leaves or ctx is done. A restart request rebuilds the App.
func converse(ctx context.Context, watcher *config.Watcher, reg *config.Registry, metrics *observe.Metrics, current *atomic.Pointer[app.App]) error {
	input := console.NewLines(os.Stdin)
	log := slog.Default()

	for {
		cfg := watcher.Current()
		providers, err := buildProviders(cfg, reg, metrics, log)
		if err != nil {
			return err
		}
		a, err := app.New(ctx, cfg, providers,
			app.WithInput(input),
			app.WithMetrics(metrics),
			app.WithLogger(log),
		)
		if err != nil {
			return err
		}
		current.Store(a)

		runErr := a.Run(ctx)

		current.Store(nil)
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := a.Shutdown(sctx); err != nil {
			log.Warn("app shutdown error", "err", err)
		}
		cancel()

		if errors.Is(runErr, app.ErrRestart) {
			log.Info("restarting conversation with the new config")
			continue
		}
		return runErr
	}
}

// onConfigChange applies a new log level live and asks the running App to
// restart for everything else.
func onConfigChange(old, new *config.Config, reg *config.Registry, level *slog.LevelVar, current *atomic.Pointer[app.App]) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if !d.NeedsRestart() {
		return
	}
	if err := reg.Check(new); err != nil {
		slog.Error("config change ignored", "err", err)
		return
	}
	slog.Info("config changed",
		"sections", d.Sections,
		"characters_added", d.CharactersAdded,
		"characters_removed", d.CharactersRemoved,
	)
	if a := current.Load(); a != nil {
		a.RequestRestart()
	}
}

// newOpsServer serves /healthz, /readyz and /metrics. Readiness follows the
// App that is currently running.
func newOpsServer(addr string, metricsHandler http.Handler, metrics *observe.Metrics, current *atomic.Pointer[app.App]) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	health.New(health.Checker{
		Name: "app",
		Check: func(ctx context.Context) error {
			a := current.Load()
			if a == nil {
				return errors.New("no conversation app running")
			}
			return a.Ready(ctx)
		},
	}).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
