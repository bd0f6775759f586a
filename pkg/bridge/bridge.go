// Package bridge routes topic traffic between commanders and robot
// controllers running in separate processes. Peers connect over WebSocket
// and exchange protocol.Frame values; in-process code can publish and
// subscribe on the same topics through the Bridge itself.
package bridge

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-rmi/pkg/protocol"
	"github.com/teslashibe/go-rmi/pkg/transport"
)

// Options configures a Bridge.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Registry receives the bridge collectors and backs /metrics.
	// Default: the global Prometheus registry.
	Registry *prometheus.Registry
}

// Peer is a connected WebSocket client.
type Peer struct {
	ID        string
	Name      string
	Conn      *websocket.Conn
	Connected time.Time

	mu       sync.Mutex
	lastSeen time.Time
	topics   map[string]struct{}
}

// send writes one frame. Writes are serialized per peer.
func (p *Peer) send(f *protocol.Frame) error {
	data, err := f.Bytes()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

// Bridge is the topic router.
type Bridge struct {
	logger *slog.Logger
	local  *transport.Bus

	mu    sync.RWMutex
	peers map[string]*Peer
	subs  map[string]map[string]*Peer // topic → peer ID → peer

	localTopics map[string]int // topic → in-process subscriber count

	gatherer prometheus.Gatherer
	frames   *prometheus.CounterVec
	peerGage prometheus.Gauge

	// Stats
	framesReceived atomic.Uint64
	messagesRouted atomic.Uint64
	undelivered    atomic.Uint64
}

var _ transport.Transport = (*Bridge)(nil)

// New creates a bridge and registers its collectors.
func New(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if opts.Registry != nil {
		reg, gatherer = opts.Registry, opts.Registry
	}

	b := &Bridge{
		logger:      opts.Logger.With("component", "bridge"),
		local:       transport.NewBus(opts.Logger),
		peers:       make(map[string]*Peer),
		subs:        make(map[string]map[string]*Peer),
		localTopics: make(map[string]int),
		gatherer:    gatherer,
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmi",
			Subsystem: "bridge",
			Name:      "frames_total",
			Help:      "Frames received from peers, by operation.",
		}, []string{"op"}),
		peerGage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmi",
			Subsystem: "bridge",
			Name:      "peers",
			Help:      "Connected WebSocket peers.",
		}),
	}
	reg.MustRegister(b.frames, b.peerGage)
	return b
}

// RegisterRoutes registers the WebSocket endpoint and /metrics on app.
func (b *Bridge) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(b.handlePeer))
	app.Get("/ws/:name", websocket.New(b.handlePeer))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{})))
}

// RegisterAPIRoutes registers the REST API on api.
func (b *Bridge) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/peers", func(c *fiber.Ctx) error {
		infos := b.PeerInfos()
		return c.JSON(fiber.Map{
			"peers": infos,
			"count": len(infos),
		})
	})

	api.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(b.GetStats())
	})

	// Inject a message by hand, e.g. a result while debugging a controller.
	api.Post("/publish", func(c *fiber.Ctx) error {
		topic := c.Query("topic")
		if topic == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "topic query parameter is required"})
		}
		if _, err := protocol.NewFrame(protocol.OpPublish, topic, c.Body()); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		n := b.route(topic, c.Body())
		return c.JSON(fiber.Map{"status": "published", "delivered": n})
	})
}

// handlePeer serves one WebSocket connection.
func (b *Bridge) handlePeer(c *websocket.Conn) {
	now := time.Now()
	peer := &Peer{
		ID:        uuid.NewString(),
		Name:      c.Params("name"),
		Conn:      c,
		Connected: now,
		lastSeen:  now,
		topics:    make(map[string]struct{}),
	}
	if peer.Name == "" {
		peer.Name = peer.ID[:8]
	}
	log := b.logger.With("peer", peer.Name, "peer_id", peer.ID)

	b.mu.Lock()
	b.peers[peer.ID] = peer
	count := len(b.peers)
	b.mu.Unlock()
	b.peerGage.Set(float64(count))
	log.Info("peer connected", "total", count)

	defer func() {
		b.removePeer(peer)
		log.Info("peer disconnected")
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			log.Debug("peer read ended", "error", err)
			return
		}

		peer.mu.Lock()
		peer.lastSeen = time.Now()
		peer.mu.Unlock()
		b.framesReceived.Add(1)

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			log.Warn("bad frame", "error", err)
			peer.send(&protocol.Frame{Op: protocol.OpError, Error: err.Error()})
			continue
		}
		b.frames.WithLabelValues(string(frame.Op)).Inc()
		b.handleFrame(peer, frame, log)
	}
}

func (b *Bridge) handleFrame(peer *Peer, frame *protocol.Frame, log *slog.Logger) {
	switch frame.Op {
	case protocol.OpSubscribe:
		b.subscribe(peer, frame.Topic)
		log.Debug("subscribed", "topic", frame.Topic)
	case protocol.OpUnsubscribe:
		b.unsubscribe(peer, frame.Topic)
		log.Debug("unsubscribed", "topic", frame.Topic)
	case protocol.OpPublish:
		b.route(frame.Topic, frame.Payload)
	default:
		peer.send(&protocol.Frame{Op: protocol.OpError, Topic: frame.Topic, Error: fmt.Sprintf("op %q is not accepted from peers", frame.Op)})
	}
}

func (b *Bridge) subscribe(peer *Peer, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Peer)
	}
	b.subs[topic][peer.ID] = peer

	peer.mu.Lock()
	peer.topics[topic] = struct{}{}
	peer.mu.Unlock()
}

func (b *Bridge) unsubscribe(peer *Peer, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(peer.ID, topic)

	peer.mu.Lock()
	delete(peer.topics, topic)
	peer.mu.Unlock()
}

func (b *Bridge) dropLocked(peerID, topic string) {
	if m := b.subs[topic]; m != nil {
		delete(m, peerID)
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
}

func (b *Bridge) removePeer(peer *Peer) {
	peer.mu.Lock()
	topics := make([]string, 0, len(peer.topics))
	for t := range peer.topics {
		topics = append(topics, t)
	}
	peer.mu.Unlock()

	b.mu.Lock()
	delete(b.peers, peer.ID)
	for _, t := range topics {
		b.dropLocked(peer.ID, t)
	}
	count := len(b.peers)
	b.mu.Unlock()
	b.peerGage.Set(float64(count))
}

// route delivers payload to every WebSocket subscriber of topic and to
// local subscribers. It returns the number of WebSocket peers reached.
func (b *Bridge) route(topic string, payload []byte) int {
	b.mu.RLock()
	targets := make([]*Peer, 0, len(b.subs[topic]))
	for _, p := range b.subs[topic] {
		targets = append(targets, p)
	}
	b.mu.RUnlock()

	b.messagesRouted.Add(1)

	delivered := 0
	if len(targets) > 0 {
		frame, err := protocol.NewFrame(protocol.OpDeliver, topic, payload)
		if err != nil {
			b.logger.Warn("dropping message", "topic", topic, "error", err)
			return 0
		}
		for _, p := range targets {
			if err := p.send(frame); err != nil {
				b.logger.Warn("delivery failed", "peer", p.Name, "topic", topic, "error", err)
				continue
			}
			delivered++
		}
	}

	if err := b.local.Publish(topic, payload); err != nil {
		b.logger.Debug("local delivery skipped", "topic", topic, "error", err)
	}
	if delivered == 0 && !b.hasLocal(topic) {
		b.undelivered.Add(1)
	}
	return delivered
}

// Publish implements transport.Publisher for in-process publishers.
func (b *Bridge) Publish(topic string, data []byte) error {
	b.route(topic, data)
	return nil
}

// Subscribe implements transport.Subscriber for in-process subscribers.
func (b *Bridge) Subscribe(topic string, h transport.Handler) (transport.Subscription, error) {
	sub, err := b.local.Subscribe(topic, h)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.localTopics[topic]++
	b.mu.Unlock()
	return &localSub{Subscription: sub, bridge: b, topic: topic}, nil
}

// Close stops local delivery. WebSocket peers are closed by shutting down
// the fiber app.
func (b *Bridge) Close() error {
	return b.local.Close()
}

func (b *Bridge) hasLocal(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.localTopics[topic] > 0
}

type localSub struct {
	transport.Subscription
	bridge *Bridge
	topic  string
	once   sync.Once
}

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.bridge.mu.Lock()
		s.bridge.localTopics[s.topic]--
		if s.bridge.localTopics[s.topic] <= 0 {
			delete(s.bridge.localTopics, s.topic)
		}
		s.bridge.mu.Unlock()
	})
	return s.Subscription.Close()
}

// PeerCount returns the number of connected peers.
func (b *Bridge) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Stats contains bridge statistics.
type Stats struct {
	PeerCount      int    `json:"peer_count"`
	Topics         int    `json:"topics"`
	FramesReceived uint64 `json:"frames_received"`
	MessagesRouted uint64 `json:"messages_routed"`
	Undelivered    uint64 `json:"undelivered"`
}

// GetStats returns bridge statistics.
func (b *Bridge) GetStats() Stats {
	b.mu.RLock()
	peers, topics := len(b.peers), len(b.subs)
	b.mu.RUnlock()
	return Stats{
		PeerCount:      peers,
		Topics:         topics,
		FramesReceived: b.framesReceived.Load(),
		MessagesRouted: b.messagesRouted.Load(),
		Undelivered:    b.undelivered.Load(),
	}
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Topics    []string  `json:"topics"`
}

// PeerInfos returns info about all connected peers, sorted by name.
func (b *Bridge) PeerInfos() []PeerInfo {
	b.mu.RLock()
	peers := make([]*Peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.RUnlock()

	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		p.mu.Lock()
		topics := make([]string, 0, len(p.topics))
		for t := range p.topics {
			topics = append(topics, t)
		}
		info := PeerInfo{
			ID:        p.ID,
			Name:      p.Name,
			Connected: p.Connected,
			LastSeen:  p.lastSeen,
			Topics:    topics,
		}
		p.mu.Unlock()
		sort.Strings(info.Topics)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
