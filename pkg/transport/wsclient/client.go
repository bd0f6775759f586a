// Package wsclient is a transport.Transport that talks to an rmi bridge
// over WebSocket.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-rmi/pkg/protocol"
	"github.com/teslashibe/go-rmi/pkg/transport"
)

// Config holds bridge connection settings.
type Config struct {
	// URL is the bridge base address, e.g. "ws://localhost:7400".
	URL string

	// Name identifies this peer on the bridge. Optional.
	Name string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// DefaultConfig returns a config for the bridge at baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		URL:              baseURL,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      120 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("bridge URL is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid bridge URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("bridge URL must use ws:// or wss://, got %q", c.URL)
	}
	if c.PingInterval <= 0 || c.ReadTimeout <= c.PingInterval {
		return fmt.Errorf("read timeout (%v) must exceed ping interval (%v)", c.ReadTimeout, c.PingInterval)
	}
	return nil
}

// endpoint returns the WebSocket URL for this peer.
func (c Config) endpoint() string {
	base := strings.TrimRight(c.URL, "/") + "/ws"
	if c.Name != "" {
		base += "/" + url.PathEscape(c.Name)
	}
	return base
}

// Client is a bridge connection. Handlers run on the client's read
// goroutine, one message at a time, in arrival order.
type Client struct {
	cfg    Config
	logger *slog.Logger
	ws     *websocket.Conn

	wsMu sync.Mutex // serializes writes

	mu       sync.Mutex
	handlers map[string][]*subscription
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ transport.Transport = (*Client)(nil)
	_ transport.Monitor   = (*Client)(nil)
)

// Dial connects to the bridge.
// If logger is nil, slog.Default() is used.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bridge config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, cfg.endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bridge %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger.With("component", "wsclient", "bridge", cfg.URL),
		ws:       ws,
		handlers: make(map[string][]*subscription),
		done:     make(chan struct{}),
	}

	ws.SetPingHandler(func(appData string) error {
		c.extendDeadline()
		c.wsMu.Lock()
		defer c.wsMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(cfg.WriteTimeout))
	})
	ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})
	c.extendDeadline()

	go c.readLoop()
	go c.keepAlive()

	c.logger.Info("connected to bridge", "name", cfg.Name)
	return c, nil
}

func (c *Client) extendDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
}

// Publish implements transport.Publisher. data must be a JSON document.
func (c *Client) Publish(topic string, data []byte) error {
	f, err := protocol.NewFrame(protocol.OpPublish, topic, data)
	if err != nil {
		return err
	}
	return c.send(f)
}

// Subscribe implements transport.Subscriber.
func (c *Client) Subscribe(topic string, h transport.Handler) (transport.Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	sub := &subscription{client: c, topic: topic, handler: h}

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	first := len(c.handlers[topic]) == 0
	c.handlers[topic] = append(c.handlers[topic], sub)
	c.mu.Unlock()

	if first {
		if err := c.send(&protocol.Frame{Op: protocol.OpSubscribe, Topic: topic}); err != nil {
			c.remove(sub)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return sub, nil
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wsMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wsMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) send(f *protocol.Frame) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	data, err := f.Bytes()
	if err != nil {
		return err
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.logger.Warn("bridge connection lost", "error", err)
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		c.extendDeadline()

		f, err := protocol.ParseFrame(data)
		if err != nil {
			c.logger.Warn("bad frame from bridge", "error", err)
			continue
		}
		switch f.Op {
		case protocol.OpDeliver:
			c.deliver(f.Topic, f.Payload)
		case protocol.OpError:
			c.logger.Warn("bridge rejected frame", "topic", f.Topic, "error", f.Error)
		}
	}
}

func (c *Client) deliver(topic string, payload []byte) {
	c.mu.Lock()
	subs := append([]*subscription(nil), c.handlers[topic]...)
	c.mu.Unlock()

	for _, s := range subs {
		s.handler(payload)
	}
}

// keepAlive sends periodic pings so idle links survive proxies and the
// bridge's read deadline.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.wsMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.wsMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// remove drops sub and reports whether it was the topic's last handler.
func (c *Client) remove(sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.handlers[sub.topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(c.handlers, sub.topic)
		return true
	}
	c.handlers[sub.topic] = subs
	return false
}

type subscription struct {
	client  *Client
	topic   string
	handler transport.Handler
	once    sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.client.remove(s) && !s.client.isClosed() {
			err = s.client.send(&protocol.Frame{Op: protocol.OpUnsubscribe, Topic: s.topic})
		}
	})
	return err
}
