// Package server wires the application's dependencies and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/api"
	"github.com/streamwatch/streamwatch/internal/clock/system"
	"github.com/streamwatch/streamwatch/internal/config"
	"github.com/streamwatch/streamwatch/internal/credential"
	"github.com/streamwatch/streamwatch/internal/events"
	"github.com/streamwatch/streamwatch/internal/events/sinks"
	"github.com/streamwatch/streamwatch/internal/logging"
	"github.com/streamwatch/streamwatch/internal/metrics"
	"github.com/streamwatch/streamwatch/internal/monitor"
	"github.com/streamwatch/streamwatch/internal/publisher"
	memorypublisher "github.com/streamwatch/streamwatch/internal/publisher/memory"
	gcppublisher "github.com/streamwatch/streamwatch/internal/publisher/pubsub"
	"github.com/streamwatch/streamwatch/internal/ratelimit"
	"github.com/streamwatch/streamwatch/internal/registry"
	"github.com/streamwatch/streamwatch/internal/sink"
	"github.com/streamwatch/streamwatch/internal/stream"
	"github.com/streamwatch/streamwatch/internal/stream/twitter"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	monitor   *monitor.Monitor
	apiServer *api.Server
	hub       *events.Hub
	pubsubPub *gcppublisher.Publisher
	ready     atomic.Bool
}

// Build creates the application's dependencies. Credentials are probed
// against the remote API here, so a dead API or an empty credentials file
// fails startup instead of limping into Run.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Monitor.DataDir),
		zap.String("stream_url", cfg.Stream.BaseURL))

	clk := system.New()

	client := twitter.New(twitter.Config{
		BaseURL:     cfg.Stream.BaseURL,
		ReadTimeout: cfg.ReadTimeout(),
	}, logger.Named("twitter"))

	pool, err := app.setupCredentials(ctx, client)
	if err != nil {
		return nil, err
	}

	reg := registry.New(cfg.Monitor.DataDir, clk, logger.Named("registry"))
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("registry load failed: %w", err)
	}

	files := sink.NewDayFile(cfg.Monitor.DataDir, clk, logger.Named("sink"))

	app.hub, err = app.setupEvents(ctx)
	if err != nil {
		return nil, err
	}

	sup := stream.NewSupervisor(client, files, reg, app.hub, clk, stream.Config{
		Backoff:        stream.NewBackoff(cfg.BackoffBase(), cfg.BackoffMax()),
		StatusInterval: cfg.StatusInterval(),
	}, logger.Named("stream"))

	app.monitor = monitor.New(reg, pool, sup, files, app.hub, clk, monitor.Config{
		StatusInterval: cfg.StatusInterval(),
	}, logger.Named("monitor"))

	app.apiServer = api.NewServer(app.monitor, api.Config{
		APIKey:  cfg.Server.APIKey,
		Timeout: cfg.ServerTimeout(),
		Ready:   app.ready.Load,
	}, logger.Named("api"))

	return app, nil
}

func (a *App) setupCredentials(ctx context.Context, client *twitter.Client) (*credential.Pool, error) {
	log := a.logger.Named("credential")
	creds, err := credential.LoadFile(a.cfg.Monitor.CredentialsFile, log)
	if err != nil {
		return nil, fmt.Errorf("credential load failed: %w", err)
	}
	ready := credential.Prepare(ctx, client, creds, log)
	if len(ready) == 0 {
		return nil, fmt.Errorf("no usable credentials in %s", a.cfg.Monitor.CredentialsFile)
	}
	a.logger.Info("credentials ready", zap.Int("count", len(ready)))

	pacer := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.RateLimit.RulesPerSecond,
		Burst: a.cfg.RateLimit.Burst,
	})
	return credential.NewPool(ready, client, pacer, a.logger.Named("pool")), nil
}

func (a *App) setupEvents(ctx context.Context) (*events.Hub, error) {
	sinkList := []events.Sink{sinks.NewLogSink(a.logger.Named("events"))}

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		sinkList = append(sinkList, sinks.NewPublisherSink(pub, a.cfg.Publisher.Topic))
	}

	return events.NewHub(events.Config{
		BufferSize: a.cfg.Events.Buffer,
		Logger:     a.logger.Named("events"),
	}, sinkList...), nil
}

func (a *App) setupPublisher(ctx context.Context) (publisher.Publisher, error) {
	switch a.cfg.Publisher.Backend {
	case "pubsub":
		a.logger.Info("using pubsub publisher",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic))
		pub, err := gcppublisher.New(ctx, a.cfg.Publisher.ProjectID, a.cfg.Publisher.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsubPub = pub
		return pub, nil
	case "memory":
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		a.logger.Info("event publishing disabled")
		return nil, nil
	}
}

// Run starts the monitor and the HTTP server, then blocks until the context
// is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.monitor.Start(ctx)
	a.ready.Store(true)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close tears down streaming sessions, flushes buffered events, and releases
// the publisher. Safe to call after a failed Run.
func (a *App) Close(ctx context.Context) error {
	a.ready.Store(false)
	a.monitor.Stop()
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPub != nil {
		if err := a.pubsubPub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}
