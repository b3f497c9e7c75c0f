package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"gitlab.com/meridian-workflow/meridian/common/eventbus"
	"gitlab.com/meridian-workflow/meridian/common/expression"
	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/common/version"
	"gitlab.com/meridian-workflow/meridian/internal/engine"
	"gitlab.com/meridian-workflow/meridian/internal/storage"
	"gitlab.com/meridian-workflow/meridian/server/server/option"
)

// Server hosts the flow node execution engine: storage, event bus, handler
// factory, executor and the auto-start watchers, assembled from options.
type Server struct {
	sig       chan os.Signal
	options   option.ServerOptions
	conn      *nats.Conn
	ns        *natssrv.Server
	bus       eventbus.Bus
	store     storage.FlowNodeInstanceStore
	models    storage.ProcessModelStore
	exec      *engine.ExecuteProcessService
	autostart *engine.AutoStartService
	timers    *engine.TimerStartService
}

// New creates an engine server from the given options.
func New(options ...option.Option) *Server {
	s := &Server{
		sig: make(chan os.Signal, 10),
		options: option.ServerOptions{
			NatsURL:     nats.DefaultURL,
			Concurrency: 10,
			CronEnabled: true,
			ClaimCheck:  engine.AllowAll{},
		},
	}
	for _, o := range options {
		o.Configure(&s.options)
	}
	return s
}

// Engine exposes the executor for embedded use: registering service task
// executors, deploying models and starting process instances directly.
func (s *Server) Engine() *engine.ExecuteProcessService { return s.exec }

// Bus exposes the event aggregator, for publishing message and signal
// triggers from the hosting process.
func (s *Server) Bus() eventbus.Bus { return s.bus }

// Listen assembles the engine and blocks until SIGINT or SIGTERM.
func (s *Server) Listen() {
	ctx, log := logx.ContextWith(context.Background(), "server")
	if err := s.Start(ctx); err != nil {
		log.Error("start server", "error", err)
		os.Exit(1)
	}
	signal.Notify(s.sig, syscall.SIGINT, syscall.SIGTERM)
	<-s.sig
	s.Shutdown()
}

// Start assembles and starts the engine without blocking.
func (s *Server) Start(ctx context.Context) error {
	log := logx.FromContext(ctx)
	if err := s.setupBus(ctx); err != nil {
		return err
	}
	s.store = storage.NewMemoryFlowNodeInstanceStore()
	models, err := storage.NewMemoryProcessModelStore()
	if err != nil {
		return fmt.Errorf("create process model store: %w", err)
	}
	s.models = models
	persistence := engine.NewFlowNodePersistenceFacade(s.store)
	factory := engine.NewHandlerFactory(persistence, s.bus, &expression.ExprEngine{}, s.models)
	s.exec = engine.NewExecuteProcessService(s.store, s.models, persistence, s.bus, factory, s.options.ClaimCheck)

	s.autostart = engine.NewAutoStartService(s.bus, s.models, s.exec)
	if err := s.autostart.Listen(ctx); err != nil {
		return fmt.Errorf("start auto-start service: %w", err)
	}
	if s.options.CronEnabled {
		s.timers = engine.NewTimerStartService(s.models, s.exec)
		if err := s.timers.Listen(ctx); err != nil {
			return fmt.Errorf("start timer service: %w", err)
		}
	}
	log.Info("engine server started", slog.Bool("natsBus", s.options.UseNatsBus))
	return nil
}

// Shutdown stops the watchers and closes external connections.
func (s *Server) Shutdown() {
	if s.timers != nil {
		s.timers.Close()
	}
	if s.autostart != nil {
		s.autostart.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.ns != nil {
		s.ns.Shutdown()
	}
	slog.Info("engine server shutdown complete")
}

func (s *Server) setupBus(ctx context.Context) error {
	if !s.options.UseNatsBus {
		s.bus = eventbus.NewMemoryBus()
		return nil
	}
	if s.options.EmbeddedNats {
		ns, err := natssrv.NewServer(&natssrv.Options{Host: "127.0.0.1", Port: -1})
		if err != nil {
			return fmt.Errorf("create embedded nats server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			return fmt.Errorf("embedded nats server not ready")
		}
		s.ns = ns
		s.options.NatsURL = ns.ClientURL()
	}
	conn, err := nats.Connect(s.options.NatsURL)
	if err != nil {
		return fmt.Errorf("connect to nats at %s: %w", s.options.NatsURL, err)
	}
	if err := version.CheckNatsCompat(conn.ConnectedServerVersion()); err != nil {
		conn.Close()
		return fmt.Errorf("check nats server version: %w", err)
	}
	s.conn = conn
	s.bus = eventbus.NewNatsBus(conn, s.options.Concurrency)
	logx.FromContext(ctx).Info("connected to nats", slog.String("url", s.options.NatsURL))
	return nil
}
