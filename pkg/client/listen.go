package client

import (
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/PortalMine/steem-stream-proxy/internal/frame"
)

// StartListen registers with the broker and starts the callback-driven
// listening task. A non-nil subs replaces the local filter first. With join
// set, StartListen blocks until the task ends.
func (c *Client) StartListen(subs []string, join bool) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}
	if subs != nil {
		c.mu.Lock()
		c.subs = append([]string(nil), subs...)
		c.mu.Unlock()
	}
	c.paused.Store(false)

	c.wg.Add(1)
	go c.listenLoop()
	c.log.Info("starting listening", zap.Strings("subs", c.Subscriptions()))
	if join {
		c.wg.Wait()
	}
	return nil
}

// StopListen ends the listening task and unregisters from the broker.
func (c *Client) StopListen() error {
	if !c.running.Load() {
		c.log.Info("could not stop listening since not listening yet")
		return ErrNotListening
	}
	c.log.Info("stopping listening")
	c.running.Store(false)
	c.paused.Store(false)
	c.recv.SetReadDeadline(time.Now())
	c.wg.Wait()
	c.log.Info("stopped listening")
	return nil
}

// Pause unregisters from the broker but keeps the listening task alive with
// no idle timeout, ready for Unpause.
func (c *Client) Pause() error {
	switch {
	case c.paused.Load():
		c.log.Info("already paused")
		return nil
	case c.running.Load():
		c.paused.Store(true)
		if err := c.sendCommand(frame.Frame{Command: frame.CmdUnregister, Name: c.name}); err != nil {
			return err
		}
		c.log.Info("paused streaming")
		return nil
	default:
		c.log.Info("not running")
		return ErrNotListening
	}
}

// Unpause re-registers and restores the idle timeout. Registration goes out
// from the recv socket so the broker stores the listening endpoint again.
func (c *Client) Unpause() error {
	switch {
	case c.paused.Load() && c.running.Load():
		if err := c.registerFromRecv(); err != nil {
			return err
		}
		c.paused.Store(false)
		c.recv.SetReadDeadline(time.Now().Add(idleTimeout))
		c.log.Info("unpaused streaming")
		return nil
	case c.running.Load():
		c.log.Info("already unpaused")
		return nil
	default:
		c.log.Info("not running")
		return ErrNotListening
	}
}

// selfTest tracks the idle liveness ladder: ping the broker, then ask for our
// record, and re-register when the broker turns out to have forgotten us.
type selfTest struct {
	pingRequested bool
	pingAnswered  bool
	infoRequested bool
	infoAnswered  bool
}

func (s *selfTest) reset() {
	*s = selfTest{}
}

func (c *Client) listenLoop() {
	defer c.wg.Done()
	log := c.log.Named("listen")
	log.Info("listening task started")

	if err := c.registerFromRecv(); err != nil {
		log.Error("registration send failed", zap.Error(err))
		c.running.Store(false)
		return
	}
	log.Info("subscribing", zap.String("mode", c.mode), zap.Strings("subs", c.Subscriptions()))

	var st selfTest
	buf := make([]byte, frame.MaxDataSize)
	for {
		if c.paused.Load() {
			// No idle timeout while paused; StopListen still unblocks us
			// by forcing the deadline.
			c.recv.SetReadDeadline(time.Time{})
		} else {
			c.recv.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		// Checked after the deadline reset so a concurrent StopListen nudge
		// is never overwritten into a blocking read.
		if !c.running.Load() {
			break
		}

		n, _, err := c.recv.ReadFromUDP(buf)
		if err != nil {
			if !c.running.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			if errors.Is(err, syscall.ECONNREFUSED) {
				log.Error("connection refused, server offline")
				c.running.Store(false)
				break
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if c.paused.Load() {
					continue
				}
				if !c.idleTick(&st, log) {
					c.running.Store(false)
					break
				}
				continue
			}
			log.Error("recv failed", zap.Error(err))
			continue
		}

		frames, err := frame.Decode(buf[:n])
		if err != nil {
			log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		for _, f := range frames {
			if f.Info == "" {
				continue
			}
			// A pong for a name the broker no longer knows comes back bare;
			// the self-test still needs to see it.
			if f.Name != c.name && !(f.Info == frame.InfoPingAnswer && f.Name == "") {
				continue
			}
			if !c.handleNotice(f, &st, log) {
				c.running.Store(false)
			}
		}
	}

	if !c.paused.Load() {
		if err := c.sendCommand(frame.Frame{Command: frame.CmdUnregister, Name: c.name}); err != nil {
			log.Debug("unregister send failed", zap.Error(err))
		}
	} else {
		c.paused.Store(false)
	}
	c.running.Store(false)
}

// handleNotice processes one inbound notice. Returns false when the task
// should end.
func (c *Client) handleNotice(f frame.Frame, st *selfTest, log *zap.Logger) bool {
	if c.OnEverything != nil {
		c.OnEverything(f)
	}

	switch f.Info {
	case frame.InfoStreamData:
		if data, ok := f.Data.(map[string]any); ok {
			if c.OnChainData != nil {
				c.OnChainData(data)
			}
			log.Debug("received stream data", zap.Any("data", data))
		}

	case frame.InfoClientInfo:
		if data, ok := f.Data.([]any); ok {
			if c.OnClientInfo != nil {
				c.OnClientInfo(data)
			}
			log.Info("received client info data", zap.Any("data", data))
			if st.infoRequested {
				st.infoAnswered = true
			}
		}

	case frame.InfoError:
		if msg, ok := f.DataString(); ok {
			if c.OnError != nil {
				c.OnError(msg)
			}
			log.Error("received error message", zap.String("error", msg))
		}

	case frame.InfoRefreshReq:
		if err := c.sendBatch([]frame.Frame{{Command: frame.CmdRefresh, Name: c.name}}); err != nil {
			log.Debug("refresh send failed", zap.Error(err))
		}
		log.Debug("refreshed subscription")

	case frame.InfoClientDelete:
		if c.paused.Load() {
			// Our own pause-time unregister echoing back; the task stays up.
			log.Debug("ignoring client_delete while paused")
			return true
		}
		if c.OnClientDelete != nil {
			c.OnClientDelete()
		}
		log.Info("client was deleted from server")
		return false

	case frame.InfoStop:
		if c.OnServerStop != nil {
			c.OnServerStop()
		}
		log.Info("server shut down")
		return false

	case frame.InfoPingAnswer:
		if c.OnPong != nil {
			c.OnPong()
		}
		log.Info("received pong")
		if st.pingRequested {
			st.pingAnswered = true
		}
	}
	return true
}

// idleTick advances the self-test one step per idle timeout. The probes are
// sent from the recv socket so even a broker that forgot us answers to this
// endpoint. Returns false when the broker is declared offline.
func (c *Client) idleTick(st *selfTest, log *zap.Logger) bool {
	probe := func(cmd string) {
		payload, err := frame.Encode(frame.Frame{Command: cmd, Name: c.name})
		if err != nil {
			return
		}
		if _, err := c.recv.WriteToUDP(payload, c.server); err != nil {
			log.Debug("probe send failed", zap.String("command", cmd), zap.Error(err))
		}
	}

	switch {
	case !st.pingRequested:
		probe(frame.CmdPing)
		st.pingRequested = true

	case !st.pingAnswered:
		log.Error("ping test failed, server offline")
		return false

	case !st.infoRequested:
		probe(frame.CmdInfo)
		st.infoRequested = true

	case !st.infoAnswered:
		log.Warn("server online but registration lost, re-registering")
		if err := c.registerFromRecv(); err != nil {
			log.Error("re-registration send failed", zap.Error(err))
		}
		st.reset()

	default:
		log.Info("all fine, just rare transaction types")
		st.reset()
	}
	return true
}
