// Command luavoice is the main entry point for the LUA voice synthesis server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/luavoice/internal/app"
	"github.com/MrWong99/luavoice/internal/config"
	"github.com/MrWong99/luavoice/internal/observe"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "luavoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "luavoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var levelVar slog.LevelVar
	levelVar.Set(cfg.Server.LogLevel.SlogLevel())
	logger, closeLog := newLogger(cfg.Server.LogFile, &levelVar)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("luavoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "luavoice",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg, cfg.Voice.Language)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLevelVar(&levelVar))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// newLogger returns a colourised console logger, or a rotating JSON file
// logger when lf is set. The returned func closes the log file.
func newLogger(lf *config.LogFileConfig, level *slog.LevelVar) (*slog.Logger, func()) {
	if lf == nil {
		h := tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
		return slog.New(h), func() {}
	}

	rotator := &lumberjack.Logger{
		Filename:   lf.Path,
		MaxSize:    lf.MaxSizeMB,
		MaxBackups: lf.MaxBackups,
		MaxAge:     lf.MaxAgeDays,
	}
	h := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})
	return slog.New(h), func() { _ = rotator.Close() }
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        LUA voice, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Cloning", cfg.Providers.Cloning.Name, cfg.Providers.Cloning.BaseURL)
	printProvider("Standard", cfg.Providers.Standard.Name, cfg.Providers.Standard.BaseURL)
	for i, fb := range cfg.Providers.Fallback {
		printProvider(fmt.Sprintf("Fallback %d", i+1), fb.Name, fb.Model)
	}
	fmt.Printf("║  Language        : %-19s ║\n", cfg.Voice.Language)
	fmt.Printf("║  Speaker         : %-19s ║\n", cfg.Voice.Speaker)
	if cfg.Voice.Reference.Source != "" {
		fmt.Printf("║  Reference voice : %-19s ║\n", "configured")
	} else {
		fmt.Printf("║  Reference voice : %-19s ║\n", "(none)")
	}
	index := "memory"
	if cfg.Cache.Redis != nil {
		index = "redis"
	}
	fmt.Printf("║  Cache index     : %-19s ║\n", index)
	fmt.Printf("║  Cache max age   : %-19s ║\n", fmt.Sprintf("%dh", cfg.Cache.MaxAgeHours))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func printProvider(label, name, detail string) {
	value := "(not configured)"
	if name != "" {
		value = name
		if detail != "" {
			value += " (" + detail + ")"
		}
	}
	value = truncate(value, 19)
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}
