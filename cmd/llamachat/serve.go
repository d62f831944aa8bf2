package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shanemcd/llamachat/pkg/api"
	"github.com/shanemcd/llamachat/pkg/chat"
	"github.com/shanemcd/llamachat/pkg/control"
	"github.com/shanemcd/llamachat/pkg/metrics"
	"github.com/shanemcd/llamachat/pkg/session"
)

// ServeCmd runs llamachat as a daemon, serving the chat API.
type ServeCmd struct{}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	slog.Info("llamachat starting", "addr", cli.Server.Addr)

	gen, err := cli.CreateGenerator()
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}
	slog.Info("generator configured", "generator", gen.Name())

	store, err := cli.OpenStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ln, err := net.Listen("tcp", cli.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	state := control.NewState()
	state.SetMetadata("generator", gen.Name())
	state.SetMetadata("store", cli.Store.Backend)

	m := metrics.New()
	svc := chat.New(store, gen, cli.ChatConfig(), chat.WithMetrics(m), chat.WithState(state))
	handler := api.NewServer(api.ServerConfig{
		Chat:      svc,
		State:     state,
		Metrics:   m,
		APIKey:    cli.Server.APIKey,
		RateLimit: cli.Server.RateLimit,
	}).Handler()

	// Handle signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := newServer(serverConfig{
		listener:        ln,
		handler:         handler,
		store:           store,
		state:           state,
		shutdownTimeout: cli.Server.ShutdownTimeout,
		watch:           cli.Store.Watch && cli.Store.Backend == "file",
	})
	if err := srv.run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("llamachat stopped")
	return nil
}

// server encapsulates the daemon's runtime components.
type server struct {
	listener        net.Listener
	http            *http.Server
	store           *session.Store
	state           *control.State
	shutdownTimeout time.Duration
	watch           bool

	// base is the parent of every request context; cancelling it aborts
	// in-flight generations.
	base       context.Context
	cancelBase context.CancelFunc
}

type serverConfig struct {
	listener        net.Listener
	handler         http.Handler
	store           *session.Store
	state           *control.State
	shutdownTimeout time.Duration
	watch           bool
}

func newServer(cfg serverConfig) *server {
	base, cancel := context.WithCancel(context.Background())

	s := &server{
		listener:        cfg.listener,
		store:           cfg.store,
		state:           cfg.state,
		shutdownTimeout: cfg.shutdownTimeout,
		watch:           cfg.watch,
		base:            base,
		cancelBase:      cancel,
	}
	s.http = &http.Server{
		Handler:           cfg.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.base },
	}
	return s
}

// run serves until ctx is done, then drains in-flight requests for up to the
// shutdown timeout and aborts whatever is left.
func (s *server) run(ctx context.Context) error {
	defer s.cancelBase()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.state.SetReady()
		slog.Info("server ready", "addr", s.listener.Addr().String())
		if err := s.http.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.watch {
		g.Go(func() error {
			if err := s.store.Watch(gctx); err != nil {
				slog.Warn("history watcher stopped", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *server) shutdown() error {
	slog.Info("shutting down", "timeout", s.shutdownTimeout, "active_generations", s.state.ActiveGenerations())
	s.state.SetDraining()

	ctx := context.Background()
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}

	err := s.http.Shutdown(ctx)
	// Hijacked websocket connections and anything still streaming end here.
	s.cancelBase()
	if err != nil {
		slog.Warn("graceful shutdown timed out, closing connections", "err", err)
		s.http.Close()
	}

	s.state.SetStopped()
	return nil
}
