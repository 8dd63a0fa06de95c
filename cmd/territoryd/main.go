// Command territoryd runs the territory engine with the configured store
// and reads player actions from stdin, one command per line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/geoclaim/engine/internal/cache"
	"github.com/geoclaim/engine/internal/config"
	"github.com/geoclaim/engine/internal/dispatcher"
	"github.com/geoclaim/engine/internal/influx"
	"github.com/geoclaim/engine/internal/logging"
	intOtel "github.com/geoclaim/engine/internal/otel"
	"github.com/geoclaim/engine/internal/progression"
	"github.com/geoclaim/engine/internal/storage"
	"github.com/geoclaim/engine/internal/storage/factory"
	"github.com/geoclaim/engine/internal/stream"
	"github.com/geoclaim/engine/internal/territory"
	"github.com/geoclaim/engine/pkg/core"
	"github.com/geoclaim/engine/pkg/streaming"
	"github.com/rs/zerolog"
)

// BuildDate can be set at build time via ldflags
var (
	Version     = "0.1.0"
	BuildDate   = "unknown"
	ServiceName = "territoryd"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configDir := flag.String("config", ".", "directory containing "+config.ConfigFileName)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configDir, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds everything run wires together, in shutdown order.
type app struct {
	closers []func(ctx context.Context) error
	log     *slog.Logger
}

func (a *app) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// shutdown runs closers last-registered first.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.log != nil {
			a.log.Warn("shutdown step failed", "error", err)
		}
	}
}

func run(ctx context.Context, configDir string, in io.Reader, out io.Writer) error {
	sessionStart := time.Now()
	a := &app{}
	defer a.shutdown()

	configErr := config.Load(configDir)
	logCfg := config.GetLoggingConfig()
	storageCfg := config.GetStorageConfig()

	// logs never go to stdout; it carries command responses
	var logFile io.Writer = os.Stderr
	if logCfg.LogsDir != "" {
		if err := os.MkdirAll(logCfg.LogsDir, 0755); err != nil {
			return fmt.Errorf("failed to create logs dir: %w", err)
		}
		f, err := os.OpenFile(logging.LogFilePath(logCfg.LogsDir, ServiceName, sessionStart), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		a.onClose(func(context.Context) error { return f.Close() })
		logFile = f
	}

	otelCfg := config.GetOTelConfig()
	var otelWriter io.Writer
	if otelCfg.Enabled && logCfg.LogsDir != "" {
		f, err := os.OpenFile(filepath.Join(logCfg.LogsDir, ServiceName+".otel.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open otel log file: %w", err)
		}
		a.onClose(func(context.Context) error { return f.Close() })
		otelWriter = f
	}
	providerCfg := intOtel.FromConfig(otelCfg, otelWriter)
	providerCfg.ServiceVersion = Version
	if otelCfg.Enabled && otelCfg.MetricsEnabled && logCfg.LogsDir != "" {
		f, err := os.OpenFile(filepath.Join(logCfg.LogsDir, ServiceName+".metrics.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open metrics file: %w", err)
		}
		a.onClose(func(context.Context) error { return f.Close() })
		providerCfg.MetricWriter = f
	}
	otelProvider, err := intOtel.New(providerCfg)
	if err != nil {
		return fmt.Errorf("failed to set up OpenTelemetry: %w", err)
	}
	a.onClose(otelProvider.Shutdown)

	logOpts := logging.Options{
		ServiceName: ServiceName,
		Level:       logCfg.Level,
		File:        logFile,
		Provider:    otelProvider.LoggerProvider(),
		Context:     logging.StaticContext(slog.String("storage", storageTypeName(storageCfg.Type))),
	}
	if logCfg.GraylogEnabled {
		gw, err := logging.NewGraylogWriter(logCfg.GraylogAddress, ServiceName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "graylog disabled: %v\n", err)
		} else {
			a.onClose(func(context.Context) error { return gw.Close() })
			logOpts.Graylog = gw
		}
	}
	slogManager := logging.NewSlogManager()
	slogManager.Configure(logOpts)
	logger := slogManager.Logger()
	a.log = logger
	a.onClose(slogManager.Flush)

	if configErr != nil {
		logger.Warn("Config file not loaded, using defaults", "error", configErr)
	}
	logger.Info("Starting", "version", Version, "buildDate", BuildDate, "storage", storageTypeName(storageCfg.Type))

	level, err := zerolog.ParseLevel(strings.ToLower(logCfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zlog := zerolog.New(logFile).Level(level).With().Timestamp().Str("service", ServiceName).Logger()

	store, err := factory.NewStore(storageCfg, slogManager, zlog)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	a.onClose(func(context.Context) error { return store.Close() })

	// subscribers registered below close before the dispatcher drains
	var subscriberClosers []func(ctx context.Context) error

	d, err := dispatcher.New(logging.NewDispatcherLogger(zlog))
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	gameCfg := config.GetGameConfig()
	view := cache.NewTerritoryView(store, core.LatLon{}, gameCfg.SearchRadiusMeters)
	d.SubscribeAll(view.Handle, dispatcher.Named("view"))

	tracker, err := newTracker(ctx, store, d)
	if err != nil {
		return err
	}

	if j, ok := store.(storage.Journal); ok {
		d.SubscribeAll(j.AppendEvent, dispatcher.Named("journal"), dispatcher.Buffered(1024), dispatcher.Blocking(), dispatcher.Logged())
	}

	if influxCfg := config.GetInfluxConfig(); influxCfg.Enabled {
		m := influx.NewManager(zlog, influxCfg)
		if err := m.Connect(ctx); err != nil {
			logger.Warn("InfluxDB disabled", "error", err)
		} else {
			d.SubscribeAll(m.Handle, dispatcher.Named("influx"), dispatcher.Buffered(4096))
			subscriberClosers = append(subscriberClosers, func(context.Context) error { return m.Close() })
		}
	}

	if streamCfg := config.GetStreamConfig(); streamCfg.Enabled {
		relay := stream.New(streamCfg, streaming.HelloPayload{
			Service:   ServiceName,
			Storage:   storageTypeName(storageCfg.Type),
			StartedAt: sessionStart.UTC(),
		}, logger)
		if err := relay.Start(ctx); err != nil {
			logger.Warn("Event stream disabled", "url", streamCfg.URL, "error", err)
		} else {
			d.SubscribeAll(relay.Handle, dispatcher.Named("stream"), dispatcher.Buffered(4096))
			subscriberClosers = append(subscriberClosers, relay.Close)
		}
	}

	a.onClose(func(ctx context.Context) error {
		var errs []error
		for _, closeFn := range subscriberClosers {
			if err := closeFn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	a.onClose(func(context.Context) error {
		d.Close()
		return nil
	})

	svc, err := territory.New(territory.Dependencies{
		Store:     store,
		Publisher: d,
		Logger:    logger,
		Config:    gameCfg,
	})
	if err != nil {
		return err
	}

	logger.Info("Ready")
	return newCommander(svc, view, tracker, out, logger).serve(ctx, in)
}

// newTracker loads owned counts from the store, then subscribes to events,
// so counts survive a restart with a persistent backend.
func newTracker(ctx context.Context, store storage.Store, d *dispatcher.Dispatcher) (*progression.Tracker, error) {
	tracker, err := progression.New()
	if err != nil {
		return nil, err
	}
	if err := tracker.Load(ctx, store); err != nil {
		return nil, err
	}
	tracker.Register(d)
	return tracker, nil
}

func storageTypeName(t string) string {
	if t == "" {
		return "memory"
	}
	return t
}
