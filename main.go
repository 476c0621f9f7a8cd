// Package main provides a noise monitor that classifies the room volume as
// quiet, medium or noisy and sounds an alarm when it stays noisy.
//
// Usage:
//
//	noisemonitor [--config path/to/config.json] [--monitor]
//	noisemonitor devices
//	noisemonitor version
//
// If --config is not specified, the monitor looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/alarm"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/config"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/notify"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/settings"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// options holds the command line flags.
type options struct {
	configPath   string
	logLevel     string
	logFormat    string
	startMonitor bool
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootCommand creates the noisemonitor command and its subcommands.
func rootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "noisemonitor",
		Short:        "Room noise monitor with a sustained-noise alarm",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setupLogging(opts.logLevel, opts.logFormat)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), util.ShutdownSignals()...)
			defer stop()
			return run(ctx, opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to config file (default: config.json next to binary)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.Flags().BoolVar(&opts.startMonitor, "monitor", false, "Start monitoring immediately")

	rootCmd.AddCommand(devicesCommand(), versionCommand())
	return rootCmd
}

// devicesCommand lists the capture devices.
func devicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := audio.ListDevices()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDEFAULT")
			for _, d := range devices {
				def := ""
				if d.IsDefault {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Name, def)
			}
			return w.Flush()
		},
	}
}

// versionCommand prints build information.
func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "noisemonitor %s (commit %s, built %s)\n", normalizeVersion(Version), Commit, BuildTime)
		},
	}
}

// setupLogging installs the default slog handler.
func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// resolveConfigPath returns the configured path or config.json next to the binary.
func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	execPath, err := os.Executable()
	if err != nil {
		return "", util.WrapError("get executable path", err)
	}
	return filepath.Join(filepath.Dir(execPath), "config.json"), nil
}

// run wires the monitor, notifications and HTTP server and blocks until ctx ends.
func run(ctx context.Context, opts *options) error {
	configPath, err := resolveConfigPath(opts.configPath)
	if err != nil {
		return err
	}
	cfg := config.New(configPath)
	if err := cfg.Load(); err != nil {
		return util.WrapError("load config", err)
	}
	slog.Info("using config file", "path", cfg.FilePath())
	snap := cfg.Snapshot()

	store := settings.New(snap.SettingsPath)
	slog.Info("using settings store", "path", store.Path())

	loader := alarm.NewSoundLoader(alarm.LoaderConfig{
		MaxBytes: snap.MaxSoundBytes,
		CacheTTL: snap.SoundCacheTTL,
		S3:       snap.S3,
	})
	player := alarm.NewOtoPlayer(loader)

	newSampler := monitor.NewAudioSamplerFactory(audio.NewMalgoCapturer(), func() audio.SamplerConfig {
		s := cfg.Snapshot()
		return audio.SamplerConfig{
			Request:  audio.RawCaptureRequest(s.AudioInput, s.SampleRate),
			Analyser: s.Analyser,
		}
	})

	mon := monitor.New(monitor.Config{
		FrameInterval: snap.FrameInterval,
		ReleaseAfter:  snap.ReleaseAfter,
	}, newSampler, player, store)

	events, err := eventlog.NewLogger(snap.EventLogPath)
	if err != nil {
		return util.WrapError("open event log", err)
	}
	defer util.SafeCloseFunc(events, "event log")()
	mon.AddListener(events.Record)

	var publisher *notify.MQTTPublisher
	if snap.HasMQTT() {
		publisher = notify.NewMQTTPublisher(snap.MQTT, snap.StationName)
		defer publisher.Close()
	}
	notifier := notify.NewAlarmNotifier(cfg, publisher)
	mon.AddListener(notifier.HandleEvent)

	var m *metrics.Metrics
	if snap.MetricsEnabled {
		if m, err = metrics.New(); err != nil {
			return util.WrapError("register metrics", err)
		}
		mon.AddListener(m.HandleEvent)
	}

	version := NewVersionChecker()
	srv := NewServer(cfg, mon, store, version, m)

	changes, unsubscribe := store.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return watchSettings(gctx, store) })
	g.Go(func() error { return mon.FollowSettings(gctx, changes) })
	g.Go(func() error { return version.Run(gctx) })
	if publisher != nil {
		g.Go(func() error { return runMQTT(gctx, publisher) })
	}

	if opts.startMonitor {
		g.Go(func() error {
			if err := mon.StartMonitoring(gctx); err != nil {
				slog.Error("failed to start monitoring", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	slog.Info("shutting down")

	mon.StopMonitoring()
	notifier.Wait()

	if err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

// settingsWatcher follows external edits of the settings store.
type settingsWatcher interface {
	Watch(ctx context.Context) error
}

// watchSettings runs the settings watcher. A failing watcher is logged and
// leaves the service running; settings written through the API still apply.
func watchSettings(ctx context.Context, w settingsWatcher) error {
	if err := w.Watch(ctx); err != nil {
		slog.Warn("settings watch stopped, external edits will not be picked up", "error", err)
	}
	return nil
}

// runMQTT connects to the broker, retrying with backoff, and then publishes
// level changes until ctx ends. A broker outage never stops the monitor.
func runMQTT(ctx context.Context, p *notify.MQTTPublisher) error {
	backoff := util.NewBackoff(5*time.Second, 5*time.Minute)
	for {
		err := p.Connect(ctx)
		if err == nil {
			return p.Run(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := backoff.Next()
		slog.Warn("mqtt connect failed, retrying", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
