package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/mxgate/internal/capability"
	"github.com/memohai/mxgate/internal/config"
	"github.com/memohai/mxgate/internal/correlation"
	"github.com/memohai/mxgate/internal/handlers"
	clientschecker "github.com/memohai/mxgate/internal/healthcheck/checkers/clients"
	upstreamchecker "github.com/memohai/mxgate/internal/healthcheck/checkers/upstream"
	"github.com/memohai/mxgate/internal/hub"
	"github.com/memohai/mxgate/internal/logger"
	"github.com/memohai/mxgate/internal/server"
	"github.com/memohai/mxgate/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the media interception worker",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() {
	fx.New(serveOptions()).Run()
}

func serveOptions() fx.Option {
	return fx.Options(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideUpstream,
			provideCorrelationTable,
			hub.NewHub,
			provideCapabilityCache,
			provideWorker,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideClientsHandler),
			provideServerHandler(provideHealthHandler),
			provideServer,
		),
		fx.Invoke(
			startCapabilityPruner,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideUpstream(cfg config.Config) (*url.URL, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url must be absolute, got %q", cfg.Upstream.BaseURL)
	}
	return u, nil
}

func provideCorrelationTable(log *slog.Logger, cfg config.Config) *correlation.Table {
	return correlation.NewTable(log, correlation.WithTimeout(cfg.Worker.CredentialTimeoutDuration()))
}

// provideCapabilityCache yields nil when rewriting is disabled.
func provideCapabilityCache(log *slog.Logger, cfg config.Config) *capability.Cache {
	capCfg := cfg.Worker.Capability
	if !capCfg.Enabled {
		return nil
	}
	return capability.NewCache(log, capability.Options{
		TTL:           capCfg.TTLDuration(),
		RefreshWindow: capCfg.RefreshWindowDuration(),
	})
}

func provideWorker(log *slog.Logger, cfg config.Config, table *correlation.Table, clients *hub.Hub, upstream *url.URL, caps *capability.Cache) (*worker.Worker, error) {
	return worker.New(log, table, clients, worker.Options{
		Upstream:     upstream,
		HTTPClient:   &http.Client{Timeout: cfg.Upstream.TimeoutDuration()},
		ClientHeader: cfg.Worker.ClientHeader,
		MaxErrorBody: cfg.Worker.MaxErrorBody,
		Capabilities: caps,
	})
}

func providePingHandler(log *slog.Logger, clients *hub.Hub, w *worker.Worker) *handlers.PingHandler {
	return handlers.NewPingHandler(log, clients, handlers.CounterFunc(w.Pending))
}

func provideClientsHandler(log *slog.Logger, cfg config.Config, clients *hub.Hub, w *worker.Worker) *handlers.ClientsHandler {
	return handlers.NewClientsHandler(log, clients, w.Dispatch, cfg.Auth.JWTSecret).
		LimitConnects(cfg.Server.ConnectRate)
}

func provideHealthHandler(log *slog.Logger, upstream *url.URL, clients *hub.Hub, w *worker.Worker) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log,
		upstreamchecker.NewChecker(log, upstream, nil),
		clientschecker.NewChecker(log, clients, handlers.CounterFunc(w.Pending)),
	)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	Upstream       *url.URL
	Worker         *worker.Worker
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, server.Options{
		Addr:        params.Config.Server.Addr,
		Upstream:    params.Upstream,
		Interceptor: params.Worker.Middleware(),
	}, params.ServerHandlers...)
}

func startCapabilityPruner(lc fx.Lifecycle, logger *slog.Logger, cfg config.Config, caps *capability.Cache) error {
	if caps == nil {
		return nil
	}
	scheduler, err := caps.Schedule(cfg.Worker.Capability.PruneSchedule)
	if err != nil {
		return err
	}
	logger.Info("capability rewriting enabled", slog.String("prune_schedule", cfg.Worker.Capability.PruneSchedule))
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
		}
		return nil
	}})
	return nil
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, clients *hub.Hub, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			clients.Close()
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
