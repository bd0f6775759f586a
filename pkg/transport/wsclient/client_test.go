package wsclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-rmi/pkg/bridge"
	"github.com/teslashibe/go-rmi/pkg/motion"
	"github.com/teslashibe/go-rmi/pkg/protocol"
	"github.com/teslashibe/go-rmi/pkg/robot"
	"github.com/teslashibe/go-rmi/pkg/sim"
	"github.com/teslashibe/go-rmi/pkg/transport"
)

func startBridge(t *testing.T) (*bridge.Bridge, string) {
	t.Helper()
	b := bridge.New(bridge.Options{Registry: prometheus.NewRegistry()})
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	b.RegisterRoutes(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	t.Cleanup(func() {
		app.Shutdown()
		b.Close()
	})
	return b, "ws://" + ln.Addr().String()
}

func dial(t *testing.T, base, name string) *Client {
	t.Helper()
	cfg := DefaultConfig(base)
	cfg.Name = name
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitTopics(t *testing.T, b *bridge.Bridge, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.GetStats().Topics == n }, 2*time.Second, 10*time.Millisecond)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing url", func(c *Config) { c.URL = "" }, true},
		{"http scheme", func(c *Config) { c.URL = "http://localhost:7400" }, true},
		{"read timeout below ping", func(c *Config) { c.ReadTimeout = time.Second }, true},
		{"no ping", func(c *Config) { c.PingInterval = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("ws://localhost:7400")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Endpoint(t *testing.T) {
	cfg := DefaultConfig("ws://localhost:7400/")
	assert.Equal(t, "ws://localhost:7400/ws", cfg.endpoint())
	cfg.Name = "rob 2"
	assert.Equal(t, "ws://localhost:7400/ws/rob%202", cfg.endpoint())
}

func TestClient_PubSub(t *testing.T) {
	b, base := startBridge(t)
	sub := dial(t, base, "rob1")
	pub := dial(t, base, "tester")

	got := make(chan []byte, 4)
	s, err := sub.Subscribe("command_list", func(data []byte) { got <- data })
	require.NoError(t, err)
	waitTopics(t, b, 1)

	msg, err := protocol.NewSuccessMessage(1)
	require.NoError(t, err)
	payload, err := msg.Bytes()
	require.NoError(t, err)
	require.NoError(t, pub.Publish("command_list", payload))

	select {
	case data := <-got:
		assert.JSONEq(t, string(payload), string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}

	require.NoError(t, s.Close())
	waitTopics(t, b, 0)

	assert.Error(t, pub.Publish("command_list", []byte("not json")))
}

func TestClient_Close(t *testing.T) {
	_, base := startBridge(t)
	c := dial(t, base, "rob1")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	<-c.Done()

	assert.ErrorIs(t, c.Publish("command_list", []byte("{}")), transport.ErrClosed)
	_, err := c.Subscribe("command_result", func([]byte) {})
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.NoError(t, c.Err())
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, DefaultConfig("ws://"+addr), nil)
	assert.Error(t, err)
}

// A handle and a simulated controller in separate bridge sessions.
func TestClient_RobotOverBridge(t *testing.T) {
	b, base := startBridge(t)
	ep := robot.EndpointFor("rob2")

	ctrlConn := dial(t, base, "rob2-controller")
	ctrl, err := sim.New(ctrlConn, sim.Config{
		Name:         "rob2",
		CommandTopic: ep.CommandTopic,
		ResultTopic:  ep.ResultTopic,
	}, nil)
	require.NoError(t, err)
	defer ctrl.Close()

	cmdConn := dial(t, base, "tester")
	h, err := robot.New("rob2", cmdConn, ep, robot.Options{
		BlockOnRun: true,
		Metrics:    robot.MustNewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	defer h.Close()
	waitTopics(t, b, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.ProgStart())
	require.NoError(t, h.Configure(robot.WithDynamic(motion.Medium), robot.WithOverlap(motion.Relative(100))))
	_, err = h.MoveJoint(motion.Joints(0, -1.5, 1.2, 0, 0.3, 0))
	require.NoError(t, err)
	_, err = h.MoveLinear(motion.MustQuaternion([]float64{0.5, 0, 0.6, 0, 1, 0, 0}, nil))
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	assert.Equal(t, uint64(3), h.Acked())
	assert.Equal(t, robot.StateIdle, h.State())

	received := ctrl.Received()
	require.Len(t, received, 3)
	assert.Equal(t, protocol.KindConfigure, received[0].Kind)
	assert.Equal(t, protocol.KindPTP, received[1].Kind)
	assert.Equal(t, protocol.KindLin, received[2].Kind)
}

// Dropping the link mid-program must fault the handle instead of leaving
// Wait blocked on results that can no longer arrive.
func TestClient_ConnectionLostFaultsHandle(t *testing.T) {
	b, base := startBridge(t)
	ep := robot.EndpointFor("rob1")

	conn := dial(t, base, "tester")
	h, err := robot.New("rob1", conn, ep, robot.Options{
		Metrics: robot.MustNewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	defer h.Close()
	waitTopics(t, b, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// No controller is attached, so nothing is ever acknowledged.
	require.NoError(t, h.ProgStart())
	_, err = h.MoveJoint(motion.Joints(0, -1.5, 1.2, 0, 0.3, 0))
	require.NoError(t, err)
	_, err = h.MoveJoint(motion.Joints(0.2, -1.4, 1.1, 0, 0.3, 0))
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	require.NoError(t, conn.ws.Close())
	<-conn.Done()
	assert.Error(t, conn.Err())

	start := time.Now()
	err = h.Wait(ctx)
	assert.ErrorIs(t, err, robot.ErrTransport)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, robot.StateFaulted, h.State())
}
