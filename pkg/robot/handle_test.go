package robot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-rmi/pkg/motion"
	"github.com/teslashibe/go-rmi/pkg/protocol"
	"github.com/teslashibe/go-rmi/pkg/sim"
	"github.com/teslashibe/go-rmi/pkg/transport"
)

// mockTransport records published commands and lets tests inject results.
type mockTransport struct {
	mu        sync.Mutex
	published []protocol.CommandData
	topics    []string
	handler   transport.Handler
	failWith  error
	autoAck   bool
}

func (m *mockTransport) Publish(topic string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return err
	}
	cmd, err := msg.GetCommandData()
	if err != nil {
		return err
	}
	m.published = append(m.published, *cmd)
	m.topics = append(m.topics, topic)
	if m.autoAck {
		seq := cmd.Seq
		go m.result(protocol.NewSuccessMessage(seq))
	}
	return nil
}

func (m *mockTransport) Subscribe(topic string, h transport.Handler) (transport.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	return mockSub{}, nil
}

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) result(msg *protocol.Message, err error) {
	if err != nil {
		panic(err)
	}
	data, err := msg.Bytes()
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(data)
}

func (m *mockTransport) sent() []protocol.CommandData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.CommandData(nil), m.published...)
}

func (m *mockTransport) seqs() []uint64 {
	var out []uint64
	for _, c := range m.sent() {
		out = append(out, c.Seq)
	}
	return out
}

type mockSub struct{}

func (mockSub) Close() error { return nil }

func newTestHandle(t *testing.T, tr transport.Transport, opts Options) *Handle {
	t.Helper()
	if opts.Metrics == nil {
		opts.Metrics = MustNewMetrics(prometheus.NewRegistry())
	}
	h, err := New("rob1", tr, EndpointFor(""), opts)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var (
	home  = motion.Joints(0, -2.1, -1.3, 1.5, 0, 0)
	reach = motion.Joints(0.4, -1.9, -1.2, 1.4, 0.1, 0)
)

func TestNew_Validation(t *testing.T) {
	tr := &mockTransport{}

	_, err := New("", tr, EndpointFor(""), Options{})
	assert.Error(t, err)

	_, err = New("rob1", tr, Endpoint{CommandTopic: "command_list"}, Options{})
	assert.Error(t, err)

	_, err = New("rob1", tr, EndpointFor(""), Options{Joints: -1})
	assert.Error(t, err)
}

func TestEndpointFor(t *testing.T) {
	assert.Equal(t, Endpoint{CommandTopic: "command_list", ResultTopic: "command_result"}, EndpointFor(""))
	assert.Equal(t, Endpoint{CommandTopic: "rob2/command_list", ResultTopic: "rob2/command_result"}, EndpointFor("rob2"))
}

func TestHandle_StopAndWait(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	require.NoError(t, h.Configure(WithDynamic(motion.Fast)))
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	_, err = h.MoveLinear(reach)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	assert.Equal(t, []uint64{1}, tr.seqs())
	assert.Equal(t, StateDispatching, h.State())

	require.NoError(t, h.OnResult(1, Success()))
	assert.Equal(t, []uint64{1, 2}, tr.seqs())
	require.NoError(t, h.OnResult(2, Success()))
	require.NoError(t, h.OnResult(3, Success()))

	assert.Equal(t, []uint64{1, 2, 3}, tr.seqs())
	assert.Equal(t, uint64(3), h.Acked())
	assert.Equal(t, StateIdle, h.State())
	assert.NoError(t, h.Wait(ctx))

	for _, topic := range tr.topics {
		assert.Equal(t, "command_list", topic)
	}
}

func TestHandle_WireOrderMatchesEnqueueOrder(t *testing.T) {
	tr := &mockTransport{autoAck: true}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	const n = 50
	require.NoError(t, h.ProgStart())
	for i := 0; i < n; i++ {
		_, err := h.MoveJoint(motion.Joints(float64(i), 0, 0, 0, 0, 0))
		require.NoError(t, err)
	}
	require.NoError(t, h.ProgRun(ctx))
	require.NoError(t, h.Wait(ctx))

	sent := tr.sent()
	require.Len(t, sent, n)
	for i, data := range sent {
		assert.Equal(t, uint64(i+1), data.Seq)
		cmd, err := DecodeCommand(data)
		require.NoError(t, err)
		assert.Equal(t, float64(i), cmd.Position.Values()[0])
	}
}

func TestHandle_WaitPointHoldsLaterCommands(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{MaxInFlight: 4})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	_, err = h.MoveJoint(reach)
	require.NoError(t, err)
	b, err := h.WaitForCompletion()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b.Seq())
	_, err = h.MoveLinear(home)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	assert.Equal(t, []uint64{1, 2}, tr.seqs())

	done := make(chan error, 1)
	go func() { done <- b.Wait(ctx) }()

	require.NoError(t, h.OnResult(1, Success()))
	select {
	case err := <-done:
		t.Fatalf("barrier released early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, []uint64{1, 2}, tr.seqs())

	require.NoError(t, h.OnResult(2, Success()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("barrier never released")
	}

	// The wait point itself is never published.
	assert.Equal(t, []uint64{1, 2, 4}, tr.seqs())
	assert.Equal(t, uint64(3), h.Acked())
}

func TestHandle_BarrierWithNothingBefore(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	b, err := h.WaitForCompletion()
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	assert.NoError(t, b.Wait(ctx))
	assert.Empty(t, tr.sent())
}

func TestHandle_BlockOnRun(t *testing.T) {
	tr := &mockTransport{autoAck: true}
	h := newTestHandle(t, tr, Options{BlockOnRun: true})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	for i := 0; i < 5; i++ {
		_, err := h.MoveJoint(home)
		require.NoError(t, err)
	}
	require.NoError(t, h.ProgRun(ctx))

	assert.Equal(t, uint64(5), h.Acked())
	assert.Equal(t, StateIdle, h.State())
}

func TestHandle_OutOfOrderAck(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{MaxInFlight: 3})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	for i := 0; i < 3; i++ {
		_, err := h.MoveJoint(home)
		require.NoError(t, err)
	}
	require.NoError(t, h.ProgRun(ctx))

	require.NoError(t, h.OnResult(1, Success()))
	err := h.OnResult(3, Success())

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint64(3), pe.Seq)
	assert.Equal(t, uint64(2), pe.Expected)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, uint64(1), h.Acked())
	assert.Equal(t, StateFaulted, h.State())
	assert.ErrorIs(t, h.Wait(ctx), ErrProtocol)
}

func TestHandle_ResultForUnsentCommand(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	_, err = h.MoveJoint(reach)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	err = h.OnResult(2, Success())
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, uint64(0), h.Acked())
	assert.Equal(t, []uint64{1}, tr.seqs())
}

func TestHandle_DuplicateResultIgnored(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	_, err = h.MoveJoint(reach)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	require.NoError(t, h.OnResult(1, Success()))
	assert.NoError(t, h.OnResult(1, Success()))
	assert.Equal(t, StateDispatching, h.State())
	assert.Equal(t, uint64(1), h.Acked())
}

func TestHandle_ControllerFailureAndReset(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	_, err = h.MoveJoint(reach)
	require.NoError(t, err)
	b, err := h.WaitForCompletion()
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	err = h.OnResult(1, Failure(41, "target out of reach"))
	var cf *ControllerFault
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, 41, cf.Code)
	assert.Equal(t, uint64(1), cf.Seq)
	assert.Equal(t, StateFaulted, h.State())

	// Undelivered commands were dropped.
	assert.Equal(t, []uint64{1}, tr.seqs())
	assert.ErrorIs(t, b.Wait(ctx), ErrControllerFault)

	// Operations other than ProgStart report the fault.
	_, err = h.MoveJoint(home)
	assert.ErrorIs(t, err, ErrControllerFault)
	assert.ErrorIs(t, h.ProgRun(ctx), ErrControllerFault)

	require.NoError(t, h.ProgStart())
	assert.Equal(t, StateBuilding, h.State())
	assert.ErrorIs(t, b.Wait(ctx), ErrAbandoned)

	// Late results for abandoned commands are ignored.
	assert.NoError(t, h.OnResult(2, Success()))

	seq, err := h.MoveJoint(home)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	require.NoError(t, h.ProgRun(ctx))
	require.NoError(t, h.OnResult(4, Success()))
	assert.Equal(t, StateIdle, h.State())
}

func TestHandle_ClearFault(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	h.ClearFault()
	assert.Equal(t, StateIdle, h.State())

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))
	require.Error(t, h.OnResult(1, Failure(1, "estop")))

	h.ClearFault()
	assert.NoError(t, h.Fault())
	assert.Equal(t, StateIdle, h.State())
	assert.NoError(t, h.Wait(ctx))
}

func TestHandle_ProgStart(t *testing.T) {
	h := newTestHandle(t, &mockTransport{}, Options{})

	require.NoError(t, h.ProgStart())
	require.NoError(t, h.ProgStart(), "ProgStart on an empty open queue is a no-op")

	_, err := h.MoveJoint(home)
	require.NoError(t, err)

	err = h.ProgStart()
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateBuilding, se.State)
	assert.ErrorIs(t, err, ErrState)
}

func TestHandle_EmptyProgRun(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{BlockOnRun: true})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	require.NoError(t, h.ProgRun(ctx))
	assert.Empty(t, tr.sent())
	assert.Equal(t, StateIdle, h.State())
}

func TestHandle_RequiresOpenQueue(t *testing.T) {
	h := newTestHandle(t, &mockTransport{}, Options{})
	ctx := testContext(t)

	_, err := h.MoveJoint(home)
	assert.ErrorIs(t, err, ErrState)
	assert.ErrorIs(t, h.Configure(WithDynamic(motion.Slow)), ErrState)
	_, err = h.WaitForCompletion()
	assert.ErrorIs(t, err, ErrState)
	assert.ErrorIs(t, h.ProgRun(ctx), ErrState)

	require.NoError(t, h.ProgStart())
	require.NoError(t, h.ProgRun(ctx))
	assert.ErrorIs(t, h.ProgRun(ctx), ErrState, "ProgRun closes the queue")
}

func TestHandle_ValidationLeavesQueueUnchanged(t *testing.T) {
	h := newTestHandle(t, &mockTransport{}, Options{Joints: 6})

	require.NoError(t, h.ProgStart())

	tests := []struct {
		name string
		run  func() error
	}{
		{"wrong arity", func() error { _, err := h.MoveJoint(motion.Joints(0, 0, 0)); return err }},
		{"nil position", func() error { _, err := h.MoveLinear(nil); return err }},
		{"bad dynamic", func() error { _, err := h.MoveJoint(home, WithDynamic(motion.Dynamic(0))); return err }},
		{"bad overlap", func() error { _, err := h.MoveJoint(home, WithOverlap(motion.Relative(150))); return err }},
		{"empty configure", func() error { return h.Configure() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), motion.ErrValidation)
		})
	}

	seq, err := h.MoveJoint(home)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestHandle_ConfigureCarriesForward(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{MaxInFlight: 8})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	require.NoError(t, h.Configure(WithDynamic(motion.Slow), WithOverlap(motion.Relative(50))))
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	_, err = h.MoveJoint(reach, WithDynamic(motion.Fast))
	require.NoError(t, err)
	require.NoError(t, h.Configure(WithOverlap(motion.SuppressPosition(0))))
	_, err = h.MoveLinear(home)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	sent := tr.sent()
	require.Len(t, sent, 5)

	var cmds []Command
	for _, data := range sent {
		cmd, err := DecodeCommand(data)
		require.NoError(t, err)
		cmds = append(cmds, cmd)
	}

	assert.Equal(t, KindConfigure, cmds[0].Kind)
	assert.Equal(t, motion.Slow, cmds[1].Dynamic)
	assert.Equal(t, motion.Relative(50), *cmds[1].Overlap)
	assert.Equal(t, motion.Fast, cmds[2].Dynamic, "explicit dynamic wins")
	assert.Equal(t, motion.Relative(50), *cmds[2].Overlap)
	assert.Equal(t, KindConfigure, cmds[3].Kind)
	assert.Nil(t, cmds[3].Dynamic, "configure carries only the fields it sets")
	assert.Equal(t, motion.Slow, cmds[4].Dynamic)
	assert.Equal(t, motion.SuppressPosition(0), *cmds[4].Overlap)

	settings := h.Settings()
	assert.Equal(t, motion.Slow, settings.Dynamic)
	assert.Equal(t, motion.SuppressPosition(0), *settings.Overlap)
}

func TestHandle_EnqueueCopiesPosition(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	pos := motion.Joints(1, 2, 3)
	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(pos)
	require.NoError(t, err)
	pos[0] = 99
	require.NoError(t, h.ProgRun(ctx))

	assert.Equal(t, []float64{1, 2, 3}, tr.sent()[0].Pose)
}

func TestHandle_PublishFailureFaults(t *testing.T) {
	tr := &mockTransport{failWith: errors.New("link down")}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)

	err = h.ProgRun(ctx)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint64(1), pe.Seq)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateFaulted, h.State())
}

func TestHandle_ResultMessages(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	_, err = h.MoveJoint(reach)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	// Non-result traffic on the result topic is ignored.
	tr.result(protocol.NewPingMessage("hb-1"))
	tr.result(protocol.NewPongMessage(protocol.PingData{ID: "stale"}))
	assert.NoError(t, h.Fault())

	tr.result(protocol.NewSuccessMessage(1))
	assert.Equal(t, uint64(1), h.Acked())

	tr.result(protocol.NewFailureMessage(2, 7, "collision"))
	var cf *ControllerFault
	require.ErrorAs(t, h.Fault(), &cf)
	assert.Equal(t, "collision", cf.Message)
}

func TestHandle_MalformedResultFaults(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})

	tr.handler([]byte(`{"type":"result","data":{"status":"success"}}`))
	assert.ErrorIs(t, h.Fault(), ErrProtocol)
}

func TestHandle_WaitHonorsContext(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	b, err := h.WaitForCompletion()
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateDispatching, h.State())
}

func TestHandle_Close(t *testing.T) {
	tr := &mockTransport{}
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	waitErr := make(chan error, 1)
	go func() { waitErr <- h.Wait(ctx) }()

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.ErrorIs(t, <-waitErr, ErrClosed)
	assert.ErrorIs(t, h.ProgStart(), ErrClosed)

	h.ClearFault()
	assert.ErrorIs(t, h.Fault(), ErrClosed)
}

func TestHandle_Metrics(t *testing.T) {
	tr := &mockTransport{}
	m := MustNewMetrics(prometheus.NewRegistry())
	h := newTestHandle(t, tr, Options{Metrics: m, MaxInFlight: 2})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	_, err = h.MoveLinear(reach)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsSent.WithLabelValues("rob1", "move_joint")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsSent.WithLabelValues("rob1", "move_linear")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight.WithLabelValues("rob1")))

	require.NoError(t, h.OnResult(1, Success()))
	require.NoError(t, h.OnResult(1, Success()))
	require.Error(t, h.OnResult(2, Failure(3, "limit")))
	require.NoError(t, h.OnResult(2, Success()))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("rob1", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("rob1", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.results.WithLabelValues("rob1", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.faults.WithLabelValues("rob1", "controller")))
}

// monitoredTransport is a mockTransport whose connection can be lost.
type monitoredTransport struct {
	*mockTransport
	done chan struct{}
	err  error
}

func newMonitoredTransport() *monitoredTransport {
	return &monitoredTransport{mockTransport: &mockTransport{}, done: make(chan struct{})}
}

func (m *monitoredTransport) Done() <-chan struct{} { return m.done }

func (m *monitoredTransport) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *monitoredTransport) lose(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	close(m.done)
}

func TestHandle_TransportLostFaultsWaiters(t *testing.T) {
	tr := newMonitoredTransport()
	h := newTestHandle(t, tr, Options{})
	ctx := testContext(t)

	require.NoError(t, h.ProgStart())
	_, err := h.MoveJoint(home)
	require.NoError(t, err)
	_, err = h.MoveJoint(reach)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))

	waitErr := make(chan error, 1)
	go func() { waitErr <- h.Wait(ctx) }()

	tr.lose(errors.New("connection reset by peer"))

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrTransport)
		assert.Contains(t, err.Error(), "connection reset by peer")
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the transport was lost")
	}
	assert.Equal(t, StateFaulted, h.State())
	assert.Equal(t, []uint64{1}, tr.seqs())
}

func TestHandle_TransportClosedLocally(t *testing.T) {
	tr := newMonitoredTransport()
	h := newTestHandle(t, tr, Options{})

	tr.lose(nil)
	require.Eventually(t, func() bool { return h.Fault() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.Fault(), ErrTransport)
	assert.ErrorIs(t, h.Fault(), transport.ErrClosed)
}

func TestHandle_TransportLostAfterClose(t *testing.T) {
	tr := newMonitoredTransport()
	h := newTestHandle(t, tr, Options{})

	require.NoError(t, h.Close())
	tr.lose(errors.New("gone"))
	time.Sleep(20 * time.Millisecond)
	assert.ErrorIs(t, h.Fault(), ErrClosed)
}

func TestNew_MaxInFlightLimit(t *testing.T) {
	opts := Options{MaxInFlight: MaxInFlightLimit + 1, Metrics: MustNewMetrics(prometheus.NewRegistry())}
	_, err := New("rob1", &mockTransport{}, EndpointFor(""), opts)
	assert.Error(t, err)

	opts.MaxInFlight = MaxInFlightLimit
	h, err := New("rob1", &mockTransport{}, EndpointFor(""), opts)
	require.NoError(t, err)
	h.Close()
}

func TestHandle_Ping(t *testing.T) {
	bus := transport.NewBus(nil)
	defer bus.Close()
	ep := EndpointFor("rob2")

	ctrl, err := sim.New(bus, sim.Config{Name: "rob2", CommandTopic: ep.CommandTopic, ResultTopic: ep.ResultTopic}, nil)
	require.NoError(t, err)
	defer ctrl.Close()

	h, err := New("rob2", bus, ep, Options{BlockOnRun: true, Metrics: MustNewMetrics(prometheus.NewRegistry())})
	require.NoError(t, err)
	defer h.Close()
	ctx := testContext(t)

	rtt, err := h.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	// Health checks stay out of the command stream.
	require.NoError(t, h.ProgStart())
	_, err = h.MoveJoint(home)
	require.NoError(t, err)
	require.NoError(t, h.ProgRun(ctx))
	_, err = h.Ping(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), h.Acked())
	assert.NoError(t, h.Fault())
	require.Len(t, ctrl.Received(), 1)
	assert.Equal(t, uint64(1), ctrl.Received()[0].Seq)
}

func TestHandle_PingUnanswered(t *testing.T) {
	bus := transport.NewBus(nil)
	defer bus.Close()

	h, err := New("rob1", bus, EndpointFor(""), Options{Metrics: MustNewMetrics(prometheus.NewRegistry())})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = h.Ping(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, h.Close())
	_, err = h.Ping(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
