package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/PortalMine/steem-stream-proxy/internal/chain"
	"github.com/PortalMine/steem-stream-proxy/internal/config"
	"github.com/PortalMine/steem-stream-proxy/internal/frame"
	"github.com/PortalMine/steem-stream-proxy/internal/metrics"
	"github.com/PortalMine/steem-stream-proxy/internal/registry"
)

// Broker owns the control socket, the subscriber registry and the per-mode
// stream workers. One instance runs per process.
type Broker struct {
	cfg     config.Config
	log     *zap.Logger
	reg     *registry.Registry
	metrics *metrics.Registry
	dial    chain.Dialer

	send *net.UDPConn
	recv *net.UDPConn

	mu      sync.Mutex // guards workers
	workers map[registry.Mode]bool
	wg      sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	started  chan struct{}
}

// New creates a broker. The dialer is invoked on every worker launch so a
// failed upstream connection heals on the next registration.
func New(cfg config.Config, log *zap.Logger, m *metrics.Registry, dial chain.Dialer) *Broker {
	return &Broker{
		cfg:     cfg,
		log:     log.Named("broker"),
		reg:     registry.New(cfg.Proxy.TTL, cfg.Proxy.TTLTolerance),
		metrics: m,
		dial:    dial,
		workers: make(map[registry.Mode]bool),
		started: make(chan struct{}),
	}
}

// Registry exposes the broker's registry, for diagnostics.
func (b *Broker) Registry() *registry.Registry {
	return b.reg
}

// Started is closed once Run has bound its sockets; LocalAddr is valid from
// then on.
func (b *Broker) Started() <-chan struct{} {
	return b.started
}

// LocalAddr returns the bound control address once Run has started.
func (b *Broker) LocalAddr() *net.UDPAddr {
	if b.recv == nil {
		return nil
	}
	return b.recv.LocalAddr().(*net.UDPAddr)
}

// Run binds the sockets and serves control frames until a stop command
// arrives or the context is cancelled. It joins all live stream workers
// before returning.
func (b *Broker) Run(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	bindAddr := &net.UDPAddr{IP: net.ParseIP(b.cfg.Proxy.Host), Port: b.cfg.Proxy.Port}
	recv, err := net.ListenUDP("udp4", bindAddr)
	if err != nil {
		return fmt.Errorf("bind control socket: %w", err)
	}
	b.recv = recv
	defer recv.Close()

	send, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("open send socket: %w", err)
	}
	b.send = send
	defer send.Close()

	b.log.Info("control loop listening", zap.Stringer("addr", recv.LocalAddr()))
	close(b.started)

	// Closing the recv socket is what unblocks the read below on shutdown.
	go func() {
		<-b.ctx.Done()
		recv.Close()
	}()

	buf := make([]byte, frame.MaxControlSize)
	for {
		n, src, err := recv.ReadFromUDP(buf)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			b.log.Warn("control read failed", zap.Error(err))
			continue
		}

		frames, err := frame.Decode(buf[:n])
		if err != nil {
			b.metrics.Frames.Malformed.Inc()
			b.log.Warn("dropping malformed frame", zap.Stringer("src", src), zap.Error(err))
			continue
		}
		// A batch is one atomic sequence; nothing else is read until every
		// record in it has been dispatched.
		for _, f := range frames {
			b.execute(f, src)
			if b.ctx.Err() != nil {
				break
			}
		}
		if b.ctx.Err() != nil {
			break
		}
	}

	b.broadcastStop()
	b.wg.Wait()
	b.log.Info("broker shut down")
	return nil
}

// broadcastStop tells every subscriber the broker is going away. Runs at most
// once, whether shutdown came from a stop command or from the process signal.
func (b *Broker) broadcastStop() {
	b.stopOnce.Do(func() {
		for _, mode := range []registry.Mode{registry.ModeHead, registry.ModeIrreversible} {
			for _, sub := range b.reg.Cohort(mode) {
				b.sendFrame(frame.Frame{Info: frame.InfoStop, Name: sub.Name}, sub.Endpoint)
			}
		}
	})
}

// sendFrame encodes and sends one outbound frame. UDP is lossy by contract;
// send failures are logged and counted, never propagated.
func (b *Broker) sendFrame(f frame.Frame, to *net.UDPAddr) {
	payload, err := frame.Encode(f)
	if err != nil {
		b.log.Error("encode outbound frame", zap.String("info", f.Info), zap.Error(err))
		return
	}
	if len(payload) > frame.MaxDataSize {
		b.metrics.Frames.SendErrors.Inc()
		b.log.Warn("outbound frame exceeds size bound",
			zap.String("info", f.Info), zap.Int("size", len(payload)))
		return
	}
	if _, err := b.send.WriteToUDP(payload, to); err != nil {
		b.metrics.Frames.SendErrors.Inc()
		b.log.Warn("send failed", zap.Stringer("to", to), zap.Error(err))
	}
}
