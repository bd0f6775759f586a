// Package sim provides a software robot controller that speaks the command
// and result protocol. It executes nothing; it acknowledges commands in the
// order received after an optional per-command delay.
package sim

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-rmi/pkg/protocol"
	"github.com/teslashibe/go-rmi/pkg/transport"
)

// Config configures a Controller.
type Config struct {
	// Name labels log lines. Default: a random ID.
	Name string

	// CommandTopic and ResultTopic are the controller's endpoint.
	CommandTopic string
	ResultTopic  string

	// Delay is how long each command "executes" before it is acknowledged.
	Delay time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CommandTopic == "" {
		return fmt.Errorf("command topic is required")
	}
	if c.ResultTopic == "" {
		return fmt.Errorf("result topic is required")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay must be >= 0, got %v", c.Delay)
	}
	return nil
}

type injectedFailure struct {
	code    int
	message string
}

// Controller is a simulated robot controller.
type Controller struct {
	id     string
	cfg    Config
	pub    transport.Publisher
	sub    transport.Subscription
	logger *slog.Logger

	mu       sync.Mutex
	received []protocol.CommandData
	failures map[uint64]injectedFailure
	silent   map[uint64]bool
	notify   chan struct{}
}

// New creates a controller and subscribes it to its command topic.
// If logger is nil, slog.Default() is used.
func New(t transport.Transport, cfg Config, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sim config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	if cfg.Name == "" {
		cfg.Name = "sim-" + id[:8]
	}

	c := &Controller{
		id:       id,
		cfg:      cfg,
		pub:      t,
		logger:   logger.With("component", "sim", "robot", cfg.Name),
		failures: make(map[uint64]injectedFailure),
		silent:   make(map[uint64]bool),
		notify:   make(chan struct{}),
	}

	sub, err := t.Subscribe(cfg.CommandTopic, c.handle)
	if err != nil {
		return nil, fmt.Errorf("sim %s: subscribe to %s: %w", cfg.Name, cfg.CommandTopic, err)
	}
	c.sub = sub

	c.logger.Info("simulated controller online",
		"id", id,
		"command_topic", cfg.CommandTopic,
		"result_topic", cfg.ResultTopic,
	)
	return c, nil
}

// ID returns the controller's unique ID.
func (c *Controller) ID() string {
	return c.id
}

// Name returns the controller's name.
func (c *Controller) Name() string {
	return c.cfg.Name
}

// FailOn makes the controller answer seq with a failure.
func (c *Controller) FailOn(seq uint64, code int, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[seq] = injectedFailure{code: code, message: message}
}

// DropResult makes the controller execute seq without acknowledging it.
func (c *Controller) DropResult(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silent[seq] = true
}

// Received returns the commands received so far, in arrival order.
func (c *Controller) Received() []protocol.CommandData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.CommandData(nil), c.received...)
}

// Changed returns a channel closed on the next received command.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

// Close unsubscribes the controller.
func (c *Controller) Close() error {
	return c.sub.Close()
}

// handle runs on the transport's delivery goroutine, so commands are
// executed strictly one after another.
func (c *Controller) handle(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("dropping unparseable command", "error", err)
		return
	}
	if msg.Type == protocol.TypePing {
		c.pong(msg)
		return
	}
	if msg.Type != protocol.TypeCommand {
		return
	}
	cmd, err := msg.GetCommandData()
	if err != nil {
		c.logger.Warn("dropping malformed command", "error", err)
		return
	}

	c.mu.Lock()
	c.received = append(c.received, *cmd)
	fail, failing := c.failures[cmd.Seq]
	drop := c.silent[cmd.Seq]
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()

	c.logger.Debug("executing", "cmd", cmd.String())
	if c.cfg.Delay > 0 {
		time.Sleep(c.cfg.Delay)
	}
	if drop {
		c.logger.Debug("withholding result", "seq", cmd.Seq)
		return
	}

	var res *protocol.Message
	if failing {
		res, err = protocol.NewFailureMessage(cmd.Seq, fail.code, fail.message)
	} else {
		res, err = protocol.NewSuccessMessage(cmd.Seq)
	}
	if err != nil {
		c.logger.Error("failed to build result", "seq", cmd.Seq, "error", err)
		return
	}
	payload, err := res.Bytes()
	if err != nil {
		c.logger.Error("failed to encode result", "seq", cmd.Seq, "error", err)
		return
	}
	if err := c.pub.Publish(c.cfg.ResultTopic, payload); err != nil {
		c.logger.Warn("failed to publish result", "seq", cmd.Seq, "error", err)
	}
}

// pong answers a health check immediately, without the command delay.
func (c *Controller) pong(msg *protocol.Message) {
	ping, err := msg.GetPingData()
	if err != nil {
		c.logger.Warn("dropping malformed ping", "error", err)
		return
	}
	res, err := protocol.NewPongMessage(*ping)
	if err != nil {
		c.logger.Error("failed to build pong", "id", ping.ID, "error", err)
		return
	}
	payload, err := res.Bytes()
	if err != nil {
		c.logger.Error("failed to encode pong", "id", ping.ID, "error", err)
		return
	}
	if err := c.pub.Publish(c.cfg.ResultTopic, payload); err != nil {
		c.logger.Warn("failed to publish pong", "id", ping.ID, "error", err)
	}
}
