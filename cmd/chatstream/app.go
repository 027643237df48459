package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"chatstream/internal/adapter/gateway"
	"chatstream/internal/adapter/llm"
	"chatstream/internal/adapter/store"
	"chatstream/internal/adapter/tool"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/logger"
	"chatstream/internal/infra/metrics"
	"chatstream/internal/infra/tracer"
	"chatstream/internal/usecase"
	"chatstream/internal/usecase/eventbus"
)

// app holds the wired runtime.
type app struct {
	logger  *slog.Logger
	bus     *eventbus.Bus
	session *usecase.SessionManager
	gateway *gateway.Server
	metrics *metrics.Metrics
	closers []func(context.Context) error
	unsubs  []func()
}

func newApp(ctx context.Context, cfg *config.Config, out io.Writer) (*app, error) {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{logger: log}
	a.closers = append(a.closers, func(context.Context) error { return closeLog() })

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.closers = append(a.closers, shutdownTracer)

	tools := tool.NewRegistry(log)
	if err := tool.RegisterBuiltins(tools, log, cfg.Tools.Builtins...); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("register tools: %w", err)
	}

	agents, err := llm.NewFromConfig(cfg.LLM, log)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("init llm: %w", err)
	}
	agent, err := agents.Default()
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.bus = eventbus.New(log, cfg.Session.EventQueueSize)
	a.unsubs = append(a.unsubs, a.bus.SubscribeAll(newRenderer(out).Handle))
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		a.unsubs = append(a.unsubs, a.bus.SubscribeAll(a.metrics.Handle))
	}

	a.session, err = usecase.NewSessionManager(usecase.SessionDeps{
		Agent:             agent,
		Tools:             tools,
		ContextBuilder:    usecase.NewContextBuilder(cfg.Session.SystemPrompt, cfg.Session.MaxMessages),
		Classifier:        usecase.NewErrorClassifier(),
		Bus:               a.bus,
		Logger:            log,
		MaxContinuations:  cfg.Session.MaxContinuations,
		MaxRunRetries:     cfg.Session.MaxRunRetries,
		StreamIdleTimeout: cfg.Session.StreamIdleTimeout,
		ToolTimeout:       cfg.Session.ToolTimeout,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("init session: %w", err)
	}

	if cfg.Store.Enabled {
		if err := a.attachStore(ctx, cfg.Store); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}

	if cfg.Gateway.Enabled {
		a.newGateway(cfg.Gateway, tools)
	}

	log.Info("session ready", "agent", agent.Name(), "tools", len(tools.Definitions()))
	return a, nil
}

// attachStore restores the last saved conversation and keeps the store in
// sync with the session from then on.
func (a *app) attachStore(ctx context.Context, cfg config.StoreConfig) error {
	transcripts, err := store.NewSQLiteTranscriptStore(cfg.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return transcripts.Close() })

	ts := usecase.NewTranscriptSync(transcripts, a.logger)
	if err := ts.Restore(ctx, a.session); err != nil {
		return fmt.Errorf("restore conversation: %w", err)
	}
	a.unsubs = append(a.unsubs, ts.Attach(a.session))
	return nil
}

func (a *app) newGateway(cfg config.GatewayConfig, tools *tool.Registry) {
	var auth gateway.Authenticator = gateway.NoAuth{}
	if len(cfg.Tokens) > 0 {
		auth = gateway.NewStaticTokenAuth(cfg.Tokens)
	}
	a.gateway = gateway.NewServer(a.bus, auth, cfg.Addr, a.logger)
	gateway.RegisterDefaultHandlers(a.gateway, gateway.HandlerDeps{
		Session: a.session,
		Tools:   tools,
		Logger:  a.logger,
	})
	if a.metrics != nil {
		srv := a.gateway
		a.metrics.GaugeFunc("gateway_dropped_frames", "Frames dropped for slow gateway clients",
			func() float64 { return float64(srv.Dropped()) })
		a.gateway.Mount("/metrics", a.metrics.Handler())
	}
}

// Run drives the REPL and, when configured, the gateway. It returns when
// the REPL exits, ctx ends or the gateway fails.
func (a *app) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if a.gateway != nil {
		g.Go(func() error {
			if err := a.gateway.Start(gctx); err != nil {
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		r := &repl{session: a.session, in: in, out: out}
		return r.Run(gctx)
	})
	return g.Wait()
}

// Close stops components in reverse start order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.gateway != nil {
		errs = append(errs, a.gateway.Stop(ctx))
	}
	for i := len(a.unsubs) - 1; i >= 0; i-- {
		a.unsubs[i]()
	}
	if a.session != nil {
		a.session.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}
