package broker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/PortalMine/steem-stream-proxy/internal/chain"
	"github.com/PortalMine/steem-stream-proxy/internal/frame"
	"github.com/PortalMine/steem-stream-proxy/internal/registry"
)

// ensureWorker launches the mode's stream worker unless one is already live.
// Called from the dispatcher after a successful registration.
func (b *Broker) ensureWorker(mode registry.Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.workers[mode] {
		return
	}
	b.workers[mode] = true
	b.wg.Add(1)
	go b.runWorker(mode)
}

// clearWorker unconditionally marks the mode's worker as gone. Used on fatal
// exits; the next register for the mode launches a fresh worker.
func (b *Broker) clearWorker(mode registry.Mode) {
	b.mu.Lock()
	b.workers[mode] = false
	b.mu.Unlock()
}

// tryRetireWorker clears the worker flag only if the cohort is still empty.
// The check runs under the worker mutex so a registration racing with the
// cohort-empty exit either sees the live flag or relaunches cleanly.
func (b *Broker) tryRetireWorker(mode registry.Mode) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reg.Empty(mode) {
		return false
	}
	b.workers[mode] = false
	return true
}

// runWorker consumes the upstream stream for one mode, handles per-block
// lease bookkeeping and fans matching transactions out to the cohort.
func (b *Broker) runWorker(mode registry.Mode) {
	defer b.wg.Done()

	log := b.log.Named(string(mode))
	log.Info("starting stream worker")

	streamer, err := b.dial(b.ctx, chain.Mode(mode))
	if err != nil {
		log.Error("upstream dial failed", zap.Error(err))
		b.clearWorker(mode)
		return
	}
	defer streamer.Close()

	var lastBlock int64 = -1
	for {
		tx, err := streamer.Next(b.ctx)
		if err != nil {
			if b.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				log.Error("upstream stream failed", zap.Error(err))
			}
			b.clearWorker(mode)
			return
		}
		if b.ctx.Err() != nil {
			b.clearWorker(mode)
			return
		}

		if bn := tx.BlockNum(); bn != lastBlock {
			// The first observed block only sets the baseline; leases tick
			// from the next boundary on.
			if lastBlock >= 0 {
				if done := b.blockTick(mode, log); done {
					return
				}
			}
			lastBlock = bn
		}

		for _, sub := range b.reg.Cohort(mode) {
			if !sub.Matches(tx.Type()) {
				continue
			}
			log.Debug("sending transaction",
				zap.String("type", tx.Type()),
				zap.String("name", sub.Name),
				zap.Int("lease", sub.Lease))
			b.sendFrame(frame.Frame{
				Info: frame.InfoStreamData,
				Name: sub.Name,
				Data: map[string]any(tx),
			}, sub.Endpoint)
			b.metrics.Frames.StreamDelivered.Inc()
		}
	}
}

// blockTick runs the per-block lease bookkeeping: decrement every lease,
// nudge subscribers that crossed zero, evict those past tolerance. Returns
// true when the cohort emptied and the worker retired itself.
func (b *Broker) blockTick(mode registry.Mode, log *zap.Logger) bool {
	b.metrics.Frames.BlocksObserved.WithLabelValues(string(mode)).Inc()

	refresh, evict := b.reg.DecrementLeases(mode)
	for _, sub := range refresh {
		b.sendFrame(frame.Frame{Info: frame.InfoRefreshReq, Name: sub.Name}, sub.Endpoint)
		b.metrics.Frames.RefreshRequests.Inc()
	}
	for _, sub := range evict {
		b.sendFrame(frame.Frame{Info: frame.InfoClientDelete, Name: sub.Name}, sub.Endpoint)
		b.reg.Remove(sub.Name)
		b.metrics.Frames.Evictions.Inc()
		log.Info("evicted client after lease underflow", zap.String("name", sub.Name))
	}
	if len(evict) > 0 {
		b.updateSubscriberGauges()
	}

	if b.tryRetireWorker(mode) {
		log.Info("cohort empty, stopping stream worker")
		return true
	}
	return false
}
