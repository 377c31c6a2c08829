package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"go.uber.org/zap"

	"github.com/smartcab/backend/internal/application"
	"github.com/smartcab/backend/internal/config"
	"github.com/smartcab/backend/internal/messaging"
	"github.com/smartcab/backend/internal/metrics"
	"github.com/smartcab/backend/internal/server"
	"github.com/smartcab/backend/internal/storage"
)

const messagingLoopTask = "mqtt-event-loop"

// Store is the storage handle opened during startup.
type Store interface {
	PingContext(ctx context.Context) error
	Close() error
}

// Messenger is the messaging client handle created during startup.
type Messenger interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context) error
	IsConnected() bool
}

// Collaborators are the subsystems the bootstrapper sequences.
type Collaborators struct {
	OpenStore        func(ctx context.Context) (Store, error)
	NewMessenger     func() Messenger
	NewHandler       func(store Store, messenger Messenger) (http.Handler, error)
	ServeProduction  func(ctx context.Context, handler http.Handler, opts server.ProductionOptions) error
	ServeDevelopment func(ctx context.Context, handler http.Handler, opts server.DevelopmentOptions) error
	NumCPU           func() int
}

func (c Collaborators) validate() error {
	switch {
	case c.OpenStore == nil:
		return errors.New("bootstrap: OpenStore is required")
	case c.NewMessenger == nil:
		return errors.New("bootstrap: NewMessenger is required")
	case c.NewHandler == nil:
		return errors.New("bootstrap: NewHandler is required")
	case c.ServeProduction == nil || c.ServeDevelopment == nil:
		return errors.New("bootstrap: both serve functions are required")
	case c.NumCPU == nil:
		return errors.New("bootstrap: NumCPU is required")
	}
	return nil
}

// DefaultCollaborators wires the real storage, messaging, application and server packages.
func DefaultCollaborators(cfg config.Config, logger *zap.Logger, m *metrics.Metrics) Collaborators {
	return Collaborators{
		OpenStore: func(ctx context.Context) (Store, error) {
			db, err := storage.Open(ctx, cfg.Database, logger)
			if err != nil {
				return nil, err
			}
			return db, nil
		},
		NewMessenger: func() Messenger {
			return messaging.New(cfg.MQTT, logger, messaging.WithMetrics(m))
		},
		NewHandler: func(store Store, messenger Messenger) (http.Handler, error) {
			return application.New(application.Dependencies{
				Config:    cfg,
				Logger:    logger,
				Metrics:   m,
				Database:  store,
				Messaging: messenger,
			})
		},
		ServeProduction: func(ctx context.Context, handler http.Handler, opts server.ProductionOptions) error {
			return server.ServeProduction(ctx, handler, opts, logger)
		},
		ServeDevelopment: func(ctx context.Context, handler http.Handler, opts server.DevelopmentOptions) error {
			return server.ServeDevelopment(ctx, handler, opts, logger)
		},
		NumCPU: runtime.NumCPU,
	}
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithMetrics tracks background tasks in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bootstrapper) {
		b.metrics = m
	}
}

// Bootstrapper sequences process startup.
type Bootstrapper struct {
	cfg     config.Config
	logger  *zap.Logger
	collab  Collaborators
	metrics *metrics.Metrics
}

// Process is the state produced by Start and owned by the process until exit.
type Process struct {
	Store         Store
	Messenger     Messenger
	MessagingLoop *Task
	Handler       http.Handler
	Workers       int
}

// New creates a Bootstrapper for cfg.
func New(cfg config.Config, logger *zap.Logger, collab Collaborators, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		cfg:    cfg,
		logger: logger,
		collab: collab,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run starts every subsystem and then serves until the server returns.
func (b *Bootstrapper) Run(ctx context.Context) error {
	proc, err := b.Start(ctx)
	if err != nil {
		return err
	}
	return b.Serve(ctx, proc)
}

// Start initializes storage and messaging, launches the messaging event
// loop and builds the application handler.
func (b *Bootstrapper) Start(ctx context.Context) (*Process, error) {
	if err := b.collab.validate(); err != nil {
		return nil, err
	}

	store, err := b.collab.OpenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	messenger := b.collab.NewMessenger()
	if err := messenger.Connect(ctx); err != nil {
		var unreachable *messaging.BrokerUnreachableError
		if !errors.As(err, &unreachable) {
			return nil, fmt.Errorf("initialize messaging: %w", err)
		}
		b.logger.Error("failed to connect to MQTT broker, MQTT related requests won't be processed",
			zap.String("broker", unreachable.Broker),
			zap.Error(unreachable.Err),
		)
	}

	loop := startTask(messagingLoopTask, b.logger, b.metrics, messenger.Run)

	workers := server.WorkerCount(b.collab.NumCPU())

	handler, err := b.collab.NewHandler(store, messenger)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}

	return &Process{
		Store:         store,
		Messenger:     messenger,
		MessagingLoop: loop,
		Handler:       handler,
		Workers:       workers,
	}, nil
}

// Serve runs the server selected by the production flag. It blocks for the
// rest of the process lifetime.
func (b *Bootstrapper) Serve(ctx context.Context, proc *Process) error {
	if b.cfg.Production {
		b.logger.Info("running in production mode, worker pool server will be used", zap.Int("workers", proc.Workers))
		return b.collab.ServeProduction(ctx, proc.Handler, server.ProductionOptions{
			Bind:    server.Bind(),
			Workers: proc.Workers,
		})
	}

	b.logger.Info("running in development mode, debug server will be used")
	return b.collab.ServeDevelopment(ctx, proc.Handler, server.DevelopmentOptions{
		Host:  server.Host,
		Port:  server.Port,
		Debug: true,
	})
}
