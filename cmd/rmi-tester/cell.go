package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/teslashibe/go-rmi/internal/config"
	"github.com/teslashibe/go-rmi/pkg/orchestrator"
	"github.com/teslashibe/go-rmi/pkg/robot"
	"github.com/teslashibe/go-rmi/pkg/sim"
	"github.com/teslashibe/go-rmi/pkg/transport"
	"github.com/teslashibe/go-rmi/pkg/transport/wsclient"
)

// cellOptions selects how the tester reaches the controllers.
type cellOptions struct {
	Cell     config.Cell
	Sim      bool
	SimDelay time.Duration
	Metrics  *robot.Metrics
	Logger   *slog.Logger
}

// cell is the set of robot handles a test program runs against.
type cell struct {
	handles map[string]*robot.Handle
	sims    map[string]*sim.Controller
	closers []io.Closer
}

// openCell connects every robot in the cell, either to in-process
// simulated controllers or through the bridge.
func openCell(ctx context.Context, opts cellOptions) (*cell, error) {
	if err := opts.Cell.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &cell{
		handles: make(map[string]*robot.Handle),
		sims:    make(map[string]*sim.Controller),
	}

	var t transport.Transport
	if opts.Sim {
		bus := transport.NewBus(opts.Logger)
		c.closers = append(c.closers, bus)
		t = bus
	} else {
		cfg := wsclient.DefaultConfig(opts.Cell.Bridge)
		cfg.Name = "rmi-tester"
		client, err := wsclient.Dial(ctx, cfg, opts.Logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, client)
		t = client
	}

	for _, r := range opts.Cell.Robots {
		ep := r.Endpoint(opts.Cell.Prefix)

		if opts.Sim {
			ctrl, err := sim.New(t, sim.Config{
				Name:         r.Name,
				CommandTopic: ep.CommandTopic,
				ResultTopic:  ep.ResultTopic,
				Delay:        opts.SimDelay,
			}, opts.Logger)
			if err != nil {
				c.Close()
				return nil, err
			}
			c.sims[r.Name] = ctrl
			c.closers = append(c.closers, ctrl)
		}

		hopts := r.Options()
		hopts.Logger = opts.Logger
		hopts.Metrics = opts.Metrics
		h, err := robot.New(r.Name, t, ep, hopts)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.handles[r.Name] = h
		c.closers = append(c.closers, h)
	}
	return c, nil
}

func (c *cell) handle(name string) (*robot.Handle, error) {
	h, ok := c.handles[name]
	if !ok {
		return nil, fmt.Errorf("robot %q is not in the cell", name)
	}
	return h, nil
}

// programs pairs bodies with handles, in the given robot order.
func (c *cell) programs(bodies map[string]func(context.Context, *robot.Handle) error, order ...string) ([]orchestrator.Program, error) {
	out := make([]orchestrator.Program, 0, len(order))
	for _, name := range order {
		h, err := c.handle(name)
		if err != nil {
			return nil, err
		}
		out = append(out, orchestrator.Program{Handle: h, Run: bodies[name]})
	}
	return out, nil
}

// Close releases handles first, then controllers and the transport.
func (c *cell) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
