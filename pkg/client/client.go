// Package client is the peer library for the stream proxy broker. It speaks
// the broker's datagram protocol: control commands out, notices and stream
// data in, with a self-test that re-registers when the broker forgot us.
package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/PortalMine/steem-stream-proxy/internal/frame"
)

// idleTimeout is how long the listener waits for any inbound frame before
// advancing the liveness self-test. Variable so tests can shrink the cycle.
var idleTimeout = 30 * time.Second

// pingTimeout bounds the synchronous reply wait of a one-shot Ping.
var pingTimeout = 10 * time.Second

var (
	ErrBadMode          = errors.New("client: mode must be either \"head\" or \"irreversible\"")
	ErrAlreadyListening = errors.New("client: already listening or listen task has not ended yet")
	ErrNotListening     = errors.New("client: not listening")
	ErrPingTimeout      = errors.New("client: ping timed out")
	ErrRefused          = errors.New("client: connection refused on pinged port")
)

// Client is one named subscriber of a stream proxy broker. A Client runs at
// most one listening task (StartListen or Stream) at a time.
type Client struct {
	name   string
	mode   string
	server *net.UDPAddr
	log    *zap.Logger

	// send carries fire-and-forget commands and one-shot ping replies. It is
	// deliberately unconnected: the broker answers from its own send socket,
	// not from the port we target. recv is the socket the broker learns as
	// our endpoint: register is sent from it so all notices come back here.
	send *net.UDPConn
	recv *net.UDPConn

	mu      sync.Mutex // guards subs
	subs    []string
	running atomic.Bool
	paused  atomic.Bool
	wg      sync.WaitGroup

	// Optional callbacks, fired from the listening task.
	OnEverything   func(frame.Frame)
	OnChainData    func(map[string]any)
	OnClientInfo   func([]any)
	OnError        func(string)
	OnClientDelete func()
	OnServerStop   func()
	OnPong         func()
}

// New creates a client for the given broker address. subs may be nil; the
// filter can be set later with SetSubscriptions.
func New(name, mode, serverAddr string, subs []string, log *zap.Logger) (*Client, error) {
	if mode != "head" && mode != "irreversible" {
		return nil, ErrBadMode
	}
	server, err := net.ResolveUDPAddr("udp4", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("client: resolve server address: %w", err)
	}
	send, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("client: open send socket: %w", err)
	}
	recv, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		send.Close()
		return nil, fmt.Errorf("client: open recv socket: %w", err)
	}

	c := &Client{
		name:   name,
		mode:   mode,
		server: server,
		log:    log.Named("client-" + name),
		send:   send,
		recv:   recv,
		subs:   append([]string(nil), subs...),
	}
	c.log.Info("client created")
	return c, nil
}

// Close releases both sockets. The client is unusable afterwards.
func (c *Client) Close() error {
	c.running.Store(false)
	c.recv.SetReadDeadline(time.Now())
	c.wg.Wait()
	c.send.Close()
	return c.recv.Close()
}

// Subscriptions returns the client's current local filter.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subs...)
}

// SetSubscriptions replaces the filter on the broker side. A nil subs keeps
// the locally stored filter.
func (c *Client) SetSubscriptions(subs []string) error {
	c.mu.Lock()
	if subs != nil {
		c.subs = append([]string(nil), subs...)
	}
	subs = append([]string(nil), c.subs...)
	c.mu.Unlock()
	c.log.Info("setting subscriptions on server side", zap.Strings("subs", subs))
	return c.sendCommand(frame.Frame{Command: frame.CmdSetSubs, Name: c.name, Subs: subs})
}

// AddSubscriptions unions subs into the filter on the broker side.
func (c *Client) AddSubscriptions(subs []string) error {
	if err := c.sendCommand(frame.Frame{Command: frame.CmdAddSubs, Name: c.name, Subs: subs}); err != nil {
		return err
	}
	c.mu.Lock()
	for _, s := range subs {
		if !contains(c.subs, s) {
			c.subs = append(c.subs, s)
		}
	}
	merged := append([]string(nil), c.subs...)
	c.mu.Unlock()
	c.log.Info("adding subscriptions on server side", zap.Strings("subs", merged))
	return nil
}

// RemSubscriptions removes subs from the filter on the broker side.
func (c *Client) RemSubscriptions(subs []string) error {
	if err := c.sendCommand(frame.Frame{Command: frame.CmdRemSubs, Name: c.name, Subs: subs}); err != nil {
		return err
	}
	c.mu.Lock()
	kept := c.subs[:0]
	for _, s := range c.subs {
		if !contains(subs, s) {
			kept = append(kept, s)
		}
	}
	c.subs = kept
	remaining := append([]string(nil), c.subs...)
	c.mu.Unlock()
	c.log.Info("removing subscriptions on server side", zap.Strings("subs", remaining))
	return nil
}

// GetInfo asks the broker for our record snapshot. The reply arrives on the
// listening task as a client_info notice.
func (c *Client) GetInfo() error {
	if !c.running.Load() {
		c.log.Info("could not ask for client info since not connected to server")
		return ErrNotListening
	}
	return c.sendCommand(frame.Frame{Command: frame.CmdInfo, Name: c.name})
}

// Refresh resets our lease on the broker.
func (c *Client) Refresh() error {
	if err := c.sendCommand(frame.Frame{Command: frame.CmdRefresh, Name: c.name}); err != nil {
		return err
	}
	c.log.Info("refreshed connection")
	return nil
}

// Stop asks the broker to shut down.
func (c *Client) Stop() error {
	c.log.Info("sending stop signal to server")
	return c.sendCommand(frame.Frame{Command: frame.CmdStop})
}

// Ping probes the broker. While a listening task runs, the answer arrives
// there and Ping returns after sending. Otherwise Ping waits synchronously
// on the send socket and distinguishes a refused port from a silent one.
func (c *Client) Ping() error {
	if err := c.sendCommand(frame.Frame{Command: frame.CmdPing, Name: c.name}); err != nil {
		return err
	}
	c.log.Info("sending ping")
	if c.running.Load() {
		return nil
	}

	buf := make([]byte, frame.MaxControlSize)
	if err := c.send.SetReadDeadline(time.Now().Add(pingTimeout)); err != nil {
		return err
	}
	for {
		n, _, err := c.send.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, syscall.ECONNREFUSED) {
				c.log.Info("connection refused on pinged port")
				return ErrRefused
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				c.log.Info("connection timed out on pinged port")
				return ErrPingTimeout
			}
			return err
		}
		frames, err := frame.Decode(buf[:n])
		if err != nil {
			continue
		}
		for _, f := range frames {
			if f.Info != frame.InfoPingAnswer {
				continue
			}
			if c.OnEverything != nil {
				c.OnEverything(f)
			}
			if c.OnPong != nil {
				c.OnPong()
			}
			c.log.Info("received pong")
			return nil
		}
	}
}

// sendCommand fires one control frame over the send socket.
func (c *Client) sendCommand(f frame.Frame) error {
	payload, err := frame.Encode(f)
	if err != nil {
		return err
	}
	_, err = c.send.WriteToUDP(payload, c.server)
	return err
}

// sendBatch fires an atomic command batch over the send socket.
func (c *Client) sendBatch(fs []frame.Frame) error {
	payload, err := frame.EncodeBatch(fs)
	if err != nil {
		return err
	}
	_, err = c.send.WriteToUDP(payload, c.server)
	return err
}

// registerFrames builds the registration sequence announced on listen start
// and after the self-test decides the broker forgot us.
func (c *Client) registerFrames() []frame.Frame {
	c.mu.Lock()
	subs := append([]string(nil), c.subs...)
	c.mu.Unlock()
	fs := []frame.Frame{{Command: frame.CmdRegister, Mode: c.mode, Name: c.name}}
	if len(subs) > 0 {
		fs = append(fs, frame.Frame{Command: frame.CmdSetSubs, Name: c.name, Subs: subs})
	}
	return fs
}

// registerFromRecv announces us from the recv socket so the broker stores
// that endpoint as our dispatch target.
func (c *Client) registerFromRecv() error {
	fs := c.registerFrames()
	var payload []byte
	var err error
	if len(fs) == 1 {
		payload, err = frame.Encode(fs[0])
	} else {
		payload, err = frame.EncodeBatch(fs)
	}
	if err != nil {
		return err
	}
	_, err = c.recv.WriteToUDP(payload, c.server)
	return err
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
