package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PortalMine/steem-stream-proxy/internal/broker"
	"github.com/PortalMine/steem-stream-proxy/internal/chain"
	"github.com/PortalMine/steem-stream-proxy/internal/config"
	"github.com/PortalMine/steem-stream-proxy/internal/metrics"
	"github.com/PortalMine/steem-stream-proxy/internal/registry"
)

// Prometheus collectors register process-wide, so the whole binary shares one
// metrics registry.
var testMetrics = metrics.NewRegistry()

type scriptedStream struct {
	ch chan chain.Transaction
}

func (s *scriptedStream) Next(ctx context.Context) (chain.Transaction, error) {
	select {
	case tx := <-s.ch:
		return tx, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedStream) Close() error { return nil }

type brokerEnv struct {
	broker *broker.Broker
	addr   string
	feed   chan chain.Transaction
}

func startBroker(t *testing.T) *brokerEnv {
	t.Helper()
	cfg := config.Config{
		Proxy: config.ProxyConfig{
			Host:               "127.0.0.1",
			Port:               0,
			TTL:                20,
			TTLTolerance:       2,
			EnableHead:         true,
			EnableIrreversible: true,
		},
	}
	feed := make(chan chain.Transaction, 64)
	dial := func(ctx context.Context, mode chain.Mode) (chain.Streamer, error) {
		return &scriptedStream{ch: feed}, nil
	}

	b := broker.New(cfg, zaptest.NewLogger(t), testMetrics, dial)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	select {
	case <-b.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not start in time")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})

	return &brokerEnv{broker: b, addr: b.LocalAddr().String(), feed: feed}
}

func (e *brokerEnv) registered(name string) func() bool {
	return func() bool {
		_, ok := e.broker.Registry().Mode(name)
		return ok
	}
}

func (e *brokerEnv) gone(name string) func() bool {
	return func() bool {
		_, ok := e.broker.Registry().Mode(name)
		return !ok
	}
}

func newTestClient(t *testing.T, e *brokerEnv, name string, subs []string) *Client {
	t.Helper()
	c, err := New(name, "head", e.addr, subs, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewRejectsBadMode(t *testing.T) {
	_, err := New("A", "sideways", "127.0.0.1:8080", nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrBadMode)
}

func TestListenDeliversChainData(t *testing.T) {
	e := startBroker(t)
	c := newTestClient(t, e, "A", []string{"transfer"})

	got := make(chan map[string]any, 16)
	c.OnChainData = func(data map[string]any) { got <- data }

	require.NoError(t, c.StartListen(nil, false))
	require.Eventually(t, e.registered("A"), 2*time.Second, 20*time.Millisecond)

	// Registration batches a set_subs; wait for the filter to land before
	// feeding so the snapshot includes it.
	require.Eventually(t, func() bool {
		snap, err := e.broker.Registry().Info("A")
		return err == nil && len(snap.Subs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	e.feed <- chain.Transaction{"block_num": int64(1), "type": "transfer", "id": "x"}
	e.feed <- chain.Transaction{"block_num": int64(1), "type": "vote", "id": "y"}

	select {
	case data := <-got:
		assert.Equal(t, "x", data["id"])
		assert.Equal(t, "transfer", data["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("no chain data delivered")
	}

	require.NoError(t, c.StopListen())
	require.Eventually(t, e.gone("A"), 2*time.Second, 20*time.Millisecond)
}

func TestStartListenTwiceFails(t *testing.T) {
	e := startBroker(t)
	c := newTestClient(t, e, "A", []string{"transfer"})

	require.NoError(t, c.StartListen(nil, false))
	assert.ErrorIs(t, c.StartListen(nil, false), ErrAlreadyListening)
	require.NoError(t, c.StopListen())
}

func TestSelfTestReregistersWhenBrokerForgets(t *testing.T) {
	old := idleTimeout
	idleTimeout = 150 * time.Millisecond
	defer func() { idleTimeout = old }()

	e := startBroker(t)
	c := newTestClient(t, e, "A", []string{"transfer"})

	require.NoError(t, c.StartListen(nil, false))
	require.Eventually(t, e.registered("A"), 2*time.Second, 20*time.Millisecond)

	// Silently drop A, as if the broker restarted.
	_, ok := e.broker.Registry().Remove("A")
	require.True(t, ok)

	// The idle self-test must walk ping -> info -> re-register and restore
	// both the record and the filter.
	require.Eventually(t, func() bool {
		snap, err := e.broker.Registry().Info("A")
		return err == nil && len(snap.Subs) == 1 && snap.Subs[0] == "transfer"
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, c.StopListen())
}

func TestSelfTestSurvivesHealthyIdle(t *testing.T) {
	old := idleTimeout
	idleTimeout = 150 * time.Millisecond
	defer func() { idleTimeout = old }()

	e := startBroker(t)
	c := newTestClient(t, e, "A", []string{"transfer"})

	require.NoError(t, c.StartListen(nil, false))
	require.Eventually(t, e.registered("A"), 2*time.Second, 20*time.Millisecond)

	// Several full self-test cycles with no stream traffic: the client must
	// stay up and stay registered.
	time.Sleep(1 * time.Second)
	assert.True(t, c.running.Load())
	_, ok := e.broker.Registry().Mode("A")
	assert.True(t, ok)

	require.NoError(t, c.StopListen())
}

func TestPauseUnpause(t *testing.T) {
	e := startBroker(t)
	c := newTestClient(t, e, "A", []string{"transfer"})

	require.NoError(t, c.StartListen(nil, false))
	require.Eventually(t, e.registered("A"), 2*time.Second, 20*time.Millisecond)

	// Pause unregisters but keeps the listening task alive.
	require.NoError(t, c.Pause())
	require.Eventually(t, e.gone("A"), 2*time.Second, 20*time.Millisecond)
	assert.True(t, c.running.Load())

	require.NoError(t, c.Unpause())
	require.Eventually(t, e.registered("A"), 2*time.Second, 20*time.Millisecond)

	require.NoError(t, c.StopListen())
	require.Eventually(t, e.gone("A"), 2*time.Second, 20*time.Millisecond)
}

func TestStreamIterator(t *testing.T) {
	e := startBroker(t)
	c := newTestClient(t, e, "A", []string{"transfer"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	txs, err := c.Stream(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := e.broker.Registry().Info("A")
		return err == nil && len(snap.Subs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	e.feed <- chain.Transaction{"block_num": int64(1), "type": "transfer", "id": "x"}

	select {
	case data := <-txs:
		assert.Equal(t, "x", data["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no transaction on stream channel")
	}

	cancel()
	select {
	case _, open := <-txs:
		assert.False(t, open, "stream channel should close on cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel did not close")
	}
}

func TestStreamAndListenAreMutuallyExclusive(t *testing.T) {
	e := startBroker(t)
	c := newTestClient(t, e, "A", []string{"transfer"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := c.Stream(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, c.StartListen(nil, false), ErrAlreadyListening)
}

func TestOneShotPingAgainstDeadPort(t *testing.T) {
	old := pingTimeout
	pingTimeout = 500 * time.Millisecond
	defer func() { pingTimeout = old }()

	// Reserve a port, then free it so nothing answers.
	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	deadAddr := probe.LocalAddr().String()
	require.NoError(t, probe.Close())

	c, err := New("A", "head", deadAddr, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	err = c.Ping()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRefused) || errors.Is(err, ErrPingTimeout),
		"want refused or timeout, got %v", err)
}

func TestOneShotPingAgainstLiveBroker(t *testing.T) {
	e := startBroker(t)
	c := newTestClient(t, e, "ghost", nil)

	pongs := 0
	c.OnPong = func() { pongs++ }

	// Not listening and not registered: the answer comes back synchronously
	// on the send socket.
	require.NoError(t, c.Ping())
	assert.Equal(t, 1, pongs)
}

func TestModeIndexStaysConsistentUnderChurn(t *testing.T) {
	e := startBroker(t)

	a := newTestClient(t, e, "A", []string{"transfer"})
	b := newTestClient(t, e, "B", []string{"vote"})

	require.NoError(t, a.StartListen(nil, false))
	require.NoError(t, b.StartListen(nil, false))
	require.Eventually(t, e.registered("A"), 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, e.registered("B"), 2*time.Second, 20*time.Millisecond)

	reg := e.broker.Registry()
	mode, _ := reg.Mode("A")
	assert.Equal(t, registry.ModeHead, mode)
	assert.Len(t, reg.Cohort(registry.ModeHead), 2)

	require.NoError(t, a.StopListen())
	require.Eventually(t, e.gone("A"), 2*time.Second, 20*time.Millisecond)
	assert.Len(t, reg.Cohort(registry.ModeHead), 1)

	require.NoError(t, b.StopListen())
}
