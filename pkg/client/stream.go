package client

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/PortalMine/steem-stream-proxy/internal/frame"
)

// streamQueueSize bounds the transaction queue handed to a Stream caller.
// When the caller falls behind, delivery blocks here rather than buffering
// without limit; UDP drops upstream of us anyway.
const streamQueueSize = 256

// Stream registers with the broker and returns a channel of raw transaction
// records. The channel closes when the broker deletes us, shuts down, or the
// context is cancelled. Stream and StartListen are mutually exclusive per
// client. Control notices other than stream_data are handled internally:
// refresh_req is answered, client_delete and stop close the channel, the rest
// are logged. Unlike the listening task, Stream fires no callbacks, ignores
// frames not addressed to our name (including a bare ping_answer) and runs no
// idle self-test.
func (c *Client) Stream(ctx context.Context) (<-chan map[string]any, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyListening
	}
	c.paused.Store(false)

	if err := c.registerFromRecv(); err != nil {
		c.running.Store(false)
		return nil, err
	}
	log := c.log.Named("stream")
	log.Info("subscribing", zap.String("mode", c.mode), zap.Strings("subs", c.Subscriptions()))

	out := make(chan map[string]any, streamQueueSize)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		defer c.running.Store(false)
		c.streamLoop(ctx, out, log)
		if err := c.sendCommand(frame.Frame{Command: frame.CmdUnregister, Name: c.name}); err != nil {
			log.Debug("unregister send failed", zap.Error(err))
		}
	}()
	return out, nil
}

func (c *Client) streamLoop(ctx context.Context, out chan<- map[string]any, log *zap.Logger) {
	stop := context.AfterFunc(ctx, func() {
		c.recv.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, frame.MaxDataSize)
	for {
		// Blocking read; cancellation forces the deadline above. The checks
		// run after the reset so the nudge is never overwritten.
		c.recv.SetReadDeadline(time.Time{})
		if !c.running.Load() || ctx.Err() != nil {
			return
		}
		n, _, err := c.recv.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || !c.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
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
			if f.Info == "" || f.Name != c.name {
				continue
			}
			switch f.Info {
			case frame.InfoStreamData:
				if data, ok := f.Data.(map[string]any); ok {
					select {
					case out <- data:
					case <-ctx.Done():
						return
					}
				}

			case frame.InfoClientInfo:
				log.Info("received client info data", zap.Any("data", f.Data))

			case frame.InfoError:
				if msg, ok := f.DataString(); ok {
					log.Error("received error message", zap.String("error", msg))
				}

			case frame.InfoRefreshReq:
				if err := c.sendBatch([]frame.Frame{{Command: frame.CmdRefresh, Name: c.name}}); err != nil {
					log.Debug("refresh send failed", zap.Error(err))
				}

			case frame.InfoClientDelete:
				log.Info("client was deleted from server")
				return

			case frame.InfoStop:
				log.Info("server shut down")
				return

			case frame.InfoPingAnswer:
				log.Info("received pong")
			}
		}
	}
}
