// Package robot turns a sequence of motion calls into an ordered,
// acknowledged command stream for one robot controller.
//
// A Handle owns one program queue, one dispatcher binding (command topic
// and result topic) and the barrier state for a single controller. Handles
// share nothing; run several of them concurrently with the orchestrator
// package.
//
// Typical use:
//
//	h.ProgStart()
//	h.Configure(robot.WithDynamic(motion.Fast))
//	h.MoveJoint(home)
//	b, _ := h.WaitForCompletion()
//	h.MoveLinear(target, robot.WithOverlap(motion.Relative(50)))
//	h.ProgRun(ctx)
//	b.Wait(ctx)
package robot

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-rmi/pkg/protocol"
	"github.com/teslashibe/go-rmi/pkg/transport"
)

const (
	// DefaultMaxInFlight is stop-and-wait: one unacknowledged command at a time.
	DefaultMaxInFlight = 1

	// MaxInFlightLimit bounds MaxInFlight below the per-subscriber backlog
	// of transport.Bus, whose Publish blocks when a backlog is full.
	MaxInFlightLimit = 256
)

// Endpoint names the command and result topics of one controller.
type Endpoint struct {
	CommandTopic string
	ResultTopic  string
}

// EndpointFor builds the endpoint for a topic prefix ("" for the default
// robot, "rob2" for the second one, and so on).
func EndpointFor(prefix string) Endpoint {
	topics := transport.NewTopics(prefix)
	return Endpoint{
		CommandTopic: topics.CommandList(),
		ResultTopic:  topics.CommandResult(),
	}
}

// Options configures a Handle.
type Options struct {
	// Joints is the joint count of the robot's kinematic configuration.
	// 0 disables the arity check on joint positions.
	Joints int

	// BlockOnRun makes ProgRun wait until the whole batch is acknowledged.
	BlockOnRun bool

	// MaxInFlight bounds how many commands may be published without an
	// acknowledgment, up to MaxInFlightLimit. Default: DefaultMaxInFlight.
	MaxInFlight int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to DefaultMetrics().
	Metrics *Metrics
}

// pendingResult tracks one published command until it is acknowledged.
type pendingResult struct {
	cmd    Command
	sentAt time.Time
}

// Handle binds a program queue, dispatcher and barrier to one controller.
type Handle struct {
	name     string
	opts     Options
	endpoint Endpoint
	pub      transport.Publisher
	sub      transport.Subscription
	logger   *slog.Logger
	metrics  *Metrics

	mu sync.Mutex

	// Program queue
	open     bool
	queue    []Command
	settings Settings
	nextSeq  uint64 // last assigned sequence number

	// Dispatcher
	pending  []Command                 // handed off, not yet published
	inflight map[uint64]*pendingResult // published, awaiting result
	lastSent uint64
	acked    uint64

	// Barrier
	fault   error
	epoch   uint64 // bumped on every reset
	changed chan struct{}
	closed  bool
	stop    chan struct{} // closed by Close

	pings map[string]chan protocol.PongData // ping ID → waiter
}

// New creates a handle for the controller at endpoint and subscribes to its
// result topic.
func New(name string, t transport.Transport, endpoint Endpoint, opts Options) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("robot name is required")
	}
	if endpoint.CommandTopic == "" || endpoint.ResultTopic == "" {
		return nil, fmt.Errorf("robot %s: command and result topics are required", name)
	}
	if opts.Joints < 0 {
		return nil, fmt.Errorf("robot %s: joints must be >= 0, got %d", name, opts.Joints)
	}
	if opts.MaxInFlight > MaxInFlightLimit {
		return nil, fmt.Errorf("robot %s: max in flight must be <= %d, got %d", name, MaxInFlightLimit, opts.MaxInFlight)
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = DefaultMetrics()
	}

	h := &Handle{
		name:     name,
		opts:     opts,
		endpoint: endpoint,
		pub:      t,
		logger:   opts.Logger.With("robot", name),
		metrics:  opts.Metrics,
		inflight: make(map[uint64]*pendingResult),
		changed:  make(chan struct{}),
		stop:     make(chan struct{}),
		pings:    make(map[string]chan protocol.PongData),
	}

	sub, err := t.Subscribe(endpoint.ResultTopic, h.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("robot %s: subscribe to %s: %w", name, endpoint.ResultTopic, err)
	}
	h.sub = sub

	if m, ok := t.(transport.Monitor); ok {
		go h.watchTransport(m)
	}

	h.logger.Debug("robot handle ready",
		"command_topic", endpoint.CommandTopic,
		"result_topic", endpoint.ResultTopic,
		"max_in_flight", opts.MaxInFlight,
		"block_on_run", opts.BlockOnRun,
	)
	return h, nil
}

// Name returns the robot name.
func (h *Handle) Name() string {
	return h.name
}

// Endpoint returns the topics the handle is bound to.
func (h *Handle) Endpoint() Endpoint {
	return h.endpoint
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *Handle) stateLocked() State {
	switch {
	case h.fault != nil:
		return StateFaulted
	case h.open:
		return StateBuilding
	case h.outstandingLocked():
		return StateDispatching
	default:
		return StateIdle
	}
}

func (h *Handle) outstandingLocked() bool {
	return len(h.pending) > 0 || h.acked != h.lastSent
}

// Settings returns a copy of the configuration applied to moves that omit
// explicit parameters.
func (h *Handle) Settings() Settings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings.clone()
}

// Acked returns the highest contiguously acknowledged sequence number.
func (h *Handle) Acked() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acked
}

// Fault returns the latched fault, or nil.
func (h *Handle) Fault() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fault
}

// ClearFault discards the latched fault and any abandoned commands without
// opening a new queue. It is a no-op on a healthy or closed handle.
func (h *Handle) ClearFault() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fault != nil && !h.closed {
		h.resetLocked()
	}
}

// resetLocked clears a fault. Sequence numbers keep increasing; every
// number assigned so far is treated as settled so later results for them
// are ignored as duplicates.
func (h *Handle) resetLocked() {
	h.logger.Info("resetting faulted robot", "fault", h.fault, "abandoned_through", h.nextSeq)
	h.fault = nil
	h.open = false
	h.queue = nil
	h.pending = nil
	h.inflight = make(map[uint64]*pendingResult)
	h.lastSent = h.nextSeq
	h.acked = h.nextSeq
	h.epoch++
	h.metrics.setInFlight(h.name, 0)
	h.notifyLocked()
}

// Close unsubscribes from the result topic and releases waiters.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.stop)
	if h.fault == nil {
		h.fault = ErrClosed
	}
	h.notifyLocked()
	h.mu.Unlock()

	if h.sub != nil {
		return h.sub.Close()
	}
	return nil
}

// watchTransport latches a fault when the connection under the handle
// ends, so nobody waits for results that can no longer arrive.
func (h *Handle) watchTransport(m transport.Monitor) {
	select {
	case <-h.stop:
		return
	case <-m.Done():
	}

	err := m.Err()
	if err == nil {
		err = transport.ErrClosed
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.fault != nil {
		return
	}
	h.faultLocked(&PublishError{Robot: h.name, Err: fmt.Errorf("connection lost: %w", err)})
}

// notifyLocked wakes everything blocked in waitUntil.
func (h *Handle) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}
