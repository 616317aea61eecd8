// Command vocalink is a terminal voice client for a conversational AI relay.
//
// It streams microphone audio to the relay over a websocket, plays the PCM
// replies, and accepts typed messages and playback commands on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MrWong99/vocalink/internal/app"
	"github.com/MrWong99/vocalink/internal/config"
	"github.com/MrWong99/vocalink/internal/device"
	"github.com/MrWong99/vocalink/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// Optional .env for VOCALINK_API_KEY and friends.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "vocalink: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocalink: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocalink: %v\n", err)
		}
		return 1
	}
	if cfg.Server.APIKey == "" {
		cfg.Server.APIKey = os.Getenv("VOCALINK_API_KEY")
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vocalink starting",
		"config", *configPath,
		"server", cfg.Server.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Metrics provider ──────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(context.Background(), observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Audio host ────────────────────────────────────────────────────────────
	if err := device.Initialize(); err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := device.Terminate(); err != nil {
			slog.Warn("audio terminate error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Stdin commands run alongside the pipeline; a quit command cancels the
	// same context the signals do.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go commandLoop(ctx, cancel, application)

	slog.Info("client ready — type a message, /mute, /unmute, /vol <0..1>, or q to quit")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Stdin commands ────────────────────────────────────────────────────────────

// commandLoop reads stdin lines until EOF or ctx is done. Plain lines go to
// the relay as text; lines starting with "/" are playback commands.
func commandLoop(ctx context.Context, quit context.CancelFunc, a *app.App) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "q" || line == "/quit":
			quit()
			return
		case line == "/mute":
			a.SetMuted(true)
			fmt.Println("playback muted")
		case line == "/unmute":
			a.SetMuted(false)
			fmt.Println("playback unmuted")
		case strings.HasPrefix(line, "/vol "):
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "/vol ")), 64)
			if err != nil {
				fmt.Println("usage: /vol <0..1>")
				continue
			}
			a.SetVolume(v)
			fmt.Printf("volume set to %.2f\n", a.Volume())
		case strings.HasPrefix(line, "/"):
			fmt.Println("commands: /mute, /unmute, /vol <0..1>, /quit")
		default:
			if err := a.SendText(line); err != nil {
				slog.Warn("send text failed", "err", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("stdin read error", "err", err)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Vocalink — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Relay", cfg.Server.URL)
	printField("Capture rate", fmt.Sprintf("%d Hz", cfg.Audio.CaptureRate))
	printField("Playback rate", fmt.Sprintf("%d Hz", cfg.Audio.PlaybackRate))
	printField("Input device", orDefault(cfg.Audio.InputDevice))
	printField("Output device", orDefault(cfg.Audio.OutputDevice))
	printField("Initial buffer", fmt.Sprintf("%d ms", cfg.Audio.InitialBufferMS))
	printField("Rebuffer at", fmt.Sprintf("%d ms", cfg.Audio.RebufferMS))
	if cfg.Metrics.Enabled {
		printField("Metrics", cfg.Metrics.ListenAddr)
	} else {
		printField("Metrics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

func orDefault(name string) string {
	if name == "" {
		return "(system default)"
	}
	return name
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
