package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/event"
	"github.com/specialistvlad/stepgate/internal/model"
)

// RunOptions selects what Run does besides driving the instance.
type RunOptions struct {
	// Instance resumes an existing instance instead of creating one.
	Instance model.InstanceID
	// ServeAddr, when set, serves the HTTP API while the instance runs.
	ServeAddr string
}

// Run drives one instance of def to a final status. The HTTP server and
// the event log run next to it and stop when it finishes; a server failure
// halts the instance.
func (a *App) Run(ctx context.Context, def *model.Definition, opts RunOptions) (*model.Instance, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	g, gctx := errgroup.WithContext(ctx)
	sideCtx, stop := context.WithCancel(gctx)
	defer stop()

	// Subscribe before the engine starts so no event is missed.
	sub := a.bus.Subscribe(opts.Instance, 0)
	g.Go(func() error {
		logEvents(sideCtx, sub)
		return nil
	})
	if opts.ServeAddr != "" {
		g.Go(func() error {
			return a.server.Serve(sideCtx, opts.ServeAddr)
		})
	}

	var inst *model.Instance
	g.Go(func() error {
		defer stop()
		var err error
		if opts.Instance == "" {
			a.logger.Info("🚀 Starting workflow.", "workflow", def.Name)
			inst, err = a.engine.Run(gctx, def)
		} else {
			a.logger.Info("🚀 Resuming workflow.", "workflow", def.Name, "instance", opts.Instance)
			inst, err = a.engine.Resume(gctx, def, opts.Instance)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return inst, err
	}
	a.logger.Info("🏁 Execution finished.", "instance", inst.ID, "status", inst.Status)
	return inst, nil
}

// Serve runs only the HTTP API until ctx ends.
func (a *App) Serve(ctx context.Context, addr string) error {
	return a.server.Serve(ctxlog.WithLogger(ctx, a.logger), addr)
}

func logEvents(ctx context.Context, sub *event.Subscription) {
	defer sub.Close()
	logger := ctxlog.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			logger.Debug("Event.", "type", e.Type, "instance", e.Instance, "step", e.Step, "payload", e.Payload)
		}
	}
}
