// Command autovoice-tab is one page's playback agent. It registers with the
// daemon's tab registry, answers extraction requests for its website and runs
// the audio pipeline that plays streamed speech for that page.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/extract"
	"github.com/autovoice/autovoice-core/internal/media"
	"github.com/autovoice/autovoice-core/internal/player"
	"github.com/autovoice/autovoice-core/internal/store"
	"github.com/autovoice/autovoice-core/internal/tabs"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		website     string
		label       string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "autovoice.yaml", "Path to configuration file")
	flag.StringVar(&website, "website", "", "Website this agent reads (required)")
	flag.StringVar(&label, "label", "", "Display label for tab listings (defaults to the website)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if website == "" {
		fmt.Fprintln(os.Stderr, "missing required -website")
		os.Exit(2)
	}
	if label == "" {
		label = website
	}

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, website, label, logger); err != nil {
		logger.Error("tab agent exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, website, label string, logger *slog.Logger) error {
	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()

	kv, err := store.Open(ctx, cfg.Snapshots, busClient, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	agent, err := tabs.Announce(ctx, cfg.Tabs, busClient, label, logger)
	if err != nil {
		return fmt.Errorf("announce tab: %w", err)
	}
	defer agent.Close()

	elem := media.NewElement(media.Options{
		ClockInterval:     time.Duration(cfg.Player.ClockInterval) * time.Millisecond,
		EnableMediaSource: true,
	})
	defer elem.Close()

	audio := player.NewService(ctx, cfg.Player, busClient, kv, elem, agent.TabID, logger)
	if err := audio.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	defer audio.Close()

	extractor, err := extract.New(cfg.Extract)
	if err != nil {
		return fmt.Errorf("build extractor: %w", err)
	}
	pages := extract.NewService(ctx, cfg.Extract, busClient, extractor, agent.TabID, website, logger)
	if err := pages.Start(); err != nil {
		return fmt.Errorf("start extract service: %w", err)
	}
	defer pages.Close()

	logger.Info("tab agent running",
		slog.Int("tab_id", agent.TabID),
		slog.String("website", website))

	<-ctx.Done()
	logger.Info("tab agent stopping", slog.Int("tab_id", agent.TabID))
	return nil
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
