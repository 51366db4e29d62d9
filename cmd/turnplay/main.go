// Command turnplay is the playback server: producers stream turn audio over
// a WebSocket, and each turn is played either directly or through an adaptive
// jitter buffer into the configured sink.
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

	"github.com/MrWong99/turnplay/internal/app"
	"github.com/MrWong99/turnplay/internal/config"
	"github.com/MrWong99/turnplay/internal/egress"
	"github.com/MrWong99/turnplay/internal/observe"
	"github.com/MrWong99/turnplay/pkg/audio"
	"github.com/MrWong99/turnplay/pkg/audio/sink"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchEvery := flag.Duration("watch", 5*time.Second, "config reload poll interval (0 disables hot reload)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "turnplay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "turnplay: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(level))

	slog.Info("turnplay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()
	listeners := egress.NewBroadcaster(egress.WithMetrics(metrics))

	reg := config.NewRegistry()
	registerBuiltinSinks(ctx, reg, listeners)

	printStartupSummary(cfg, reg)

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithLogLevel(level),
		app.WithEgress(listeners),
	}
	if *watchEvery > 0 {
		opts = append(opts, app.WithConfigWatch(*configPath, *watchEvery))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinSinks wires the sink factories into reg. Sinks that produce
// output for a consumer are pumped into listeners until ctx is done.
func registerBuiltinSinks(ctx context.Context, reg *config.Registry, listeners *egress.Broadcaster) {
	reg.RegisterSink("discard", func(config.SinkEntry, audio.Format) (audio.FrameSink, error) {
		return sink.Discard{}, nil
	})

	// channel streams raw PCM frames to /listen.
	reg.RegisterSink("channel", func(entry config.SinkEntry, _ audio.Format) (audio.FrameSink, error) {
		s := sink.NewChannelSink(entry.OptionInt("buffer", 0))
		go egress.Pump(ctx, listeners, s.Frames(), func(f sink.Frame) (string, []byte) {
			return f.TurnID, f.Data
		})
		return s, nil
	})

	// opus streams Opus packets to /listen.
	reg.RegisterSink("opus", func(entry config.SinkEntry, f audio.Format) (audio.FrameSink, error) {
		frameMs := entry.OptionInt("frame_ms", 20)
		s, err := sink.NewOpusSink(f, time.Duration(frameMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		go egress.Pump(ctx, listeners, s.Packets(), func(p sink.Packet) (string, []byte) {
			return p.TurnID, p.Data
		})
		return s, nil
	})

	for _, name := range reg.SinkNames() {
		slog.Debug("registered sink", "name", name)
	}
}

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	sinkName := cfg.Sink.Name
	if sinkName == "" {
		sinkName = "discard"
	}
	mode := string(cfg.Policy.Mode)
	if mode == "" {
		mode = "balanced"
	}
	wsPath := cfg.Ingest.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	f := cfg.Audio.Format()
	b := cfg.Buffer.Jitter()

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        turnplay, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Sink            : %-19s ║\n", sinkName)
	fmt.Printf("║  Sinks available : %-19d ║\n", len(reg.SinkNames()))
	fmt.Printf("║  Policy mode     : %-19s ║\n", mode)
	fmt.Printf("║  Audio           : %-19s ║\n", fmt.Sprintf("%d Hz x %d", f.SampleRate, f.Channels))
	fmt.Printf("║  Buffer target   : %-19s ║\n", b.Target)
	fmt.Printf("║  Buffer range    : %-19s ║\n", fmt.Sprintf("%v..%v", b.Min, b.Max))
	fmt.Printf("║  Ingest path     : %-19s ║\n", wsPath)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
