package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/courierim/courier/internal/config"
	"github.com/courierim/courier/internal/events"
	"github.com/courierim/courier/internal/handlers"
	"github.com/courierim/courier/internal/logger"
	"github.com/courierim/courier/internal/metrics"
	"github.com/courierim/courier/internal/prepare"
	"github.com/courierim/courier/internal/schedule"
	"github.com/courierim/courier/internal/send"
	"github.com/courierim/courier/internal/server"
	"github.com/courierim/courier/internal/store"
	"github.com/courierim/courier/internal/transport"
	"github.com/courierim/courier/internal/upload"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			providePromRegistry,
			provideMetrics,
			provideBus,
			provideRegistry,
			provideStore,
			provideTransport,
			providePipeline,
			provideUploadService,
			providePrepareService,
			provideScheduleService,
			handlers.NewPingHandler,
			provideMessageHandler,
			provideServer,
		),
		fx.Invoke(
			startBus,
			startTransport,
			startPipeline,
			startSchedule,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	return logger.New(cfg.Log.Level, cfg.Log.Format)
}

func providePromRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideBus(log *slog.Logger, cfg config.Config) *events.Bus {
	return events.NewBus(log, cfg.Send.EventBuffer)
}

func provideRegistry(bus *events.Bus) *send.Registry {
	return send.NewRegistry(bus)
}

func provideStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := store.New(ctx, log, cfg.Postgres.DSN())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { st.Close(); return nil }})
	return st, nil
}

func provideTransport(log *slog.Logger, cfg config.Config) *transport.WSTransport {
	return transport.NewWSTransport(log, cfg.Transport.URL, transport.WSOptions{
		HandshakeTimeout: parseDuration(cfg.Transport.HandshakeTimeout),
		WriteTimeout:     parseDuration(cfg.Transport.WriteTimeout),
		PingInterval:     parseDuration(cfg.Transport.PingInterval),
	})
}

func providePipeline(log *slog.Logger, ws *transport.WSTransport, st *store.Store, reg *send.Registry, bus *events.Bus, met *metrics.Metrics, cfg config.Config) *send.Pipeline {
	return send.NewPipeline(log, ws, st, reg, bus, met, st, send.Options{
		GroupLimit:   cfg.Send.GroupLimit,
		MaxFileBytes: cfg.Upload.MaxFileBytes,
	})
}

func provideUploadService(log *slog.Logger, ws *transport.WSTransport, pl *send.Pipeline, cfg config.Config) *upload.Service {
	return upload.NewService(log, ws, pl, upload.Options{
		PartBytes:    cfg.Upload.PartBytes,
		BigFileBytes: cfg.Upload.BigFileBytes,
		MaxFileBytes: cfg.Upload.MaxFileBytes,
	})
}

func providePrepareService(log *slog.Logger, ws *transport.WSTransport, pl *send.Pipeline, st *store.Store, cfg config.Config) *prepare.Service {
	return prepare.NewService(log, ws, pl, nil, st, cfg.Prepare.Workers)
}

func provideScheduleService(log *slog.Logger, pl *send.Pipeline, cfg config.Config) (*schedule.Service, error) {
	return schedule.NewService(log, pl, cfg.Schedule.CronSpec(), cfg.Schedule.BatchSize)
}

func provideMessageHandler(log *slog.Logger, pl *send.Pipeline, reg *send.Registry) *handlers.MessageHandler {
	return handlers.NewMessageHandler(log, pl, reg)
}

func provideServer(log *slog.Logger, cfg config.Config, reg *prometheus.Registry, pingHandler *handlers.PingHandler, messageHandler *handlers.MessageHandler) *server.Server {
	return server.NewServer(log, cfg.Server.Addr, reg, pingHandler, messageHandler)
}

func startBus(lc fx.Lifecycle, log *slog.Logger, bus *events.Bus, cfg config.Config) {
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pub := events.NewRedisPublisher(log, client, cfg.Redis.Prefix)
		bus.Subscribe(pub.Handle)
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { bus.Start(context.Background()); return nil },
		OnStop:  func(ctx context.Context) error { bus.Close(); return nil },
	})
}

func startTransport(lc fx.Lifecycle, ws *transport.WSTransport) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { ws.Start(context.Background()); return nil },
		OnStop:  func(ctx context.Context) error { ws.Close(); return nil },
	})
}

func startPipeline(lc fx.Lifecycle, log *slog.Logger, pl *send.Pipeline, up *upload.Service, prep *prepare.Service, cfg config.Config) {
	pl.Bind(up, prep)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pl.Start(ctx); err != nil {
				return err
			}
			go func() {
				n, err := pl.ResendUnsent(context.Background(), cfg.Send.ResendLimit)
				if err != nil {
					log.Warn("resend unsent failed", slog.Any("error", err))
					return
				}
				if n > 0 {
					log.Info("unsent messages restarted", slog.Int("count", n))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pl.Close()
			up.Close()
			prep.Close()
			return nil
		},
	})
}

func startSchedule(lc fx.Lifecycle, svc *schedule.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { svc.Start(); return nil },
		OnStop:  func(ctx context.Context) error { svc.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
