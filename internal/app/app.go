package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/specialistvlad/stepgate/internal/approval"
	"github.com/specialistvlad/stepgate/internal/capability/local"
	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/engine"
	"github.com/specialistvlad/stepgate/internal/event"
	"github.com/specialistvlad/stepgate/internal/executor"
	"github.com/specialistvlad/stepgate/internal/metrics"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/notify"
	"github.com/specialistvlad/stepgate/internal/risk"
	"github.com/specialistvlad/stepgate/internal/rollback"
	"github.com/specialistvlad/stepgate/internal/server"
	"github.com/specialistvlad/stepgate/internal/store"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx      context.Context
	settings *config.Settings
	logger   *slog.Logger

	store     store.Store
	registry  *prometheus.Registry
	metrics   *metrics.Recorder
	bus       *event.Bus
	notifiers *notify.Multi
	approvals *approval.Coordinator
	engine    *engine.Engine
	server    *server.Server

	closers []func() error
}

// New builds an App from settings. Logs go to outW. Close releases the
// connections New opened.
func New(ctx context.Context, outW io.Writer, settings *config.Settings) (*App, error) {
	logger := NewLogger(settings.Log.Level, settings.Log.Format, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	a := &App{ctx: ctx, settings: settings, logger: logger}
	if err := a.build(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	s, closer, err := openStore(a.ctx, a.settings)
	if err != nil {
		return err
	}
	a.store = s
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.logger.Debug("State store opened.", "driver", a.settings.Store.Driver)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)
	a.bus = event.NewBus()
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	caps := a.capabilities()
	scorer, err := risk.New(a.settings.Risk.Weights)
	if err != nil {
		return fmt.Errorf("risk weights: %w", err)
	}

	a.notifiers = &notify.Multi{&notify.Log{}}
	a.approvals = approval.New(a.store,
		approval.WithNotifier(a.notifiers),
		approval.WithTimeout(a.settings.Approval.Timeout),
		approval.WithTimeoutPolicy(model.TimeoutPolicy(a.settings.Approval.TimeoutPolicy)),
		approval.WithEscalationTimeout(a.settings.Approval.EscalationTimeout),
		approval.WithMetrics(a.metrics),
	)
	if err := a.dialSocketIO(); err != nil {
		return err
	}

	exec := executor.New(caps,
		executor.WithGracePeriod(a.settings.Engine.GracePeriod),
		executor.WithMaxBackoff(a.settings.Engine.MaxBackoff),
		executor.WithMetrics(a.metrics),
	)
	rb := rollback.New(a.store,
		rollback.WithUndoer(model.UndoRestoreFile, rollback.FileUndoer{Files: caps.Files}),
		rollback.WithUndoer(model.UndoCommand, rollback.CommandUndoer{Commands: caps.Commands}),
		rollback.WithEvents(a.bus),
		rollback.WithMetrics(a.metrics),
	)
	a.engine = engine.New(a.store, exec, a.approvals, rb,
		engine.WithMaxConcurrentSteps(a.settings.Engine.MaxConcurrentSteps),
		engine.WithScorer(scorer),
		engine.WithEvents(a.bus),
		engine.WithMetrics(a.metrics),
	)
	a.server = server.New(a.store, a.approvals, a.engine, server.WithGatherer(a.registry))
	a.logger.Debug("Engine assembled.")
	return nil
}

func (a *App) capabilities() executor.Capabilities {
	c := a.settings.Capabilities
	cmds := local.NewCommands()
	caps := executor.Capabilities{
		Commands: cmds,
		Files:    local.NewFiles(c.WorkDir),
		Tests:    local.NewTestCommand(cmds, c.WorkDir, c.TestCommand...),
	}
	if c.GeneratorURL != "" {
		caps.Generator = local.NewHTTPGenerator(c.GeneratorURL, c.GeneratorTimeout)
	}
	return caps
}

// dialSocketIO adds the socket.io notifier when a server is configured.
// Decisions sent back over the connection resolve gates directly.
func (a *App) dialSocketIO() error {
	n := a.settings.Notify
	if n.SocketIOURL == "" {
		return nil
	}
	sio, err := notify.Dial(a.ctx, notify.SocketIOOptions{
		URL:       n.SocketIOURL,
		Namespace: n.Namespace,
		OnDecision: func(ctx context.Context, d notify.Decision) error {
			return a.approvals.Resolve(ctx, d.InstanceID, d.Gate, d.Approve, d.Decider)
		},
	})
	if err != nil {
		return fmt.Errorf("connecting approval notifier: %w", err)
	}
	*a.notifiers = append(*a.notifiers, sio)
	a.closers = append(a.closers, sio.Close)
	return nil
}

// Store returns the state store.
func (a *App) Store() store.Store { return a.store }

// Engine returns the engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Approvals returns the approval coordinator.
func (a *App) Approvals() *approval.Coordinator { return a.approvals }

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
