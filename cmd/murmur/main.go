// Command murmur records the system audio output, optionally mixed with the
// microphone, into a 16 kHz mono WAV file.
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

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio/mixer"
)

const defaultConfigPath = "murmur.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	noMic := flag.Bool("no-mic", false, "record the system audio only")
	micDevice := flag.String("mic", "", "microphone device name or ID (overrides recording.microphone_device)")
	duration := flag.Duration("duration", 0, "stop after this long (0 records until interrupted)")
	listDevices := flag.Bool("list-devices", false, "list audio devices and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	source, stopWatch, err := loadConfig(*configPath, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "murmur: %v\n", err)
		return 1
	}
	defer stopWatch()
	cfg := source.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("murmur starting",
		"config", *configPath,
		"output_dir", cfg.Recording.OutputDir,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(source)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	opts := app.StartOptionsFromConfig(cfg)
	if *noMic {
		opts.IncludeMicrophone = false
	}
	if *micDevice != "" {
		opts.MicrophoneDevice = *micDevice
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── Status endpoint (optional) ────────────────────────────────────────────
	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           application.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("status endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status endpoint: %w", err)
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

	// ── Record ────────────────────────────────────────────────────────────────
	var rec app.Recording
	g.Go(func() error {
		// Ending the recording also ends the status endpoint.
		defer stop()
		if *duration > 0 {
			slog.Info("recording", "duration", *duration, "include_microphone", opts.IncludeMicrophone)
		} else {
			slog.Info("recording, press Ctrl+C to stop", "include_microphone", opts.IncludeMicrophone)
		}
		var err error
		rec, err = application.Record(gctx, opts, *duration)
		return err
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	if rec.Path != "" {
		printSummary(rec)
	}
	if runErr != nil {
		slog.Error("recording failed", "err", runErr)
		return 1
	}
	return 0
}

// loadConfig returns a watcher for path that also reloads on SIGHUP. When
// path is the default and does not exist, the built-in defaults are used.
func loadConfig(path string, level *slog.LevelVar) (app.ConfigSource, func(), error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		cfg, err := config.LoadFromReader(strings.NewReader(""))
		if err != nil {
			return nil, nil, err
		}
		return app.StaticConfig(cfg), func() {}, nil
	}

	w, err := config.NewWatcher(path, func(d config.ConfigDiff, _ *config.Config) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		if d.ListenAddrChanged {
			slog.Warn("server.listen_addr changed; restart murmur to apply it")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found", path)
		}
		return nil, nil, err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-hup:
				// Reload logs the rejection itself.
				_ = w.Reload()
			}
		}
	}()
	return w, func() {
		signal.Stop(hup)
		close(done)
		w.Stop()
	}, nil
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices() int {
	sys, err := capture.Open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "murmur: %v\n", err)
		return 1
	}
	defer sys.Close()

	devices, err := sys.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "murmur: %v\n", err)
		return 1
	}
	for _, d := range devices {
		fmt.Println(d.String())
	}
	return 0
}

// ── Summary ───────────────────────────────────────────────────────────────────

func printSummary(rec app.Recording) {
	tel := rec.Telemetry
	fmt.Println(rec.Path)
	fmt.Printf("  duration      : %s (%d frames)\n", rec.Duration.Round(time.Millisecond), rec.Frames)
	fmt.Printf("  system audio  : %d frames received, %d underflow, %d overflow, %d dropped buffers\n",
		tel.System.ReceivedFrames, tel.System.UnderflowFrames, tel.System.OverflowFrames, tel.System.QueueDrops)
	if tel.Microphone.ReceivedFrames > 0 || tel.Microphone.UnderflowFrames > 0 {
		fmt.Printf("  microphone    : %d frames received, %d underflow, %d overflow, %d dropped buffers\n",
			tel.Microphone.ReceivedFrames, tel.Microphone.UnderflowFrames, tel.Microphone.OverflowFrames, tel.Microphone.QueueDrops)
	}
	if tel.WriteErrors > 0 {
		fmt.Printf("  write errors  : %d\n", tel.WriteErrors)
	}
	fmt.Printf("  max drift     : %s\n", time.Duration(tel.MaxDriftFrames)*time.Second/mixer.SampleRate)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
