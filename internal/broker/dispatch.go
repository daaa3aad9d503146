package broker

import (
	"net"

	"go.uber.org/zap"

	"github.com/PortalMine/steem-stream-proxy/internal/frame"
	"github.com/PortalMine/steem-stream-proxy/internal/registry"
)

// Peer-visible error payloads.
const (
	errNameInUse    = "name already used"
	errModeDisabled = "mode not provided on the server"
)

// execute applies one decoded control record. At most one reply frame goes
// out, either to the source endpoint or to the subscriber's stored endpoint.
func (b *Broker) execute(f frame.Frame, src *net.UDPAddr) {
	b.metrics.Frames.CommandsReceived.Inc()

	switch f.Command {
	case frame.CmdRegister:
		b.register(f, src)

	case frame.CmdUnregister:
		if f.Name == "" {
			return
		}
		snap, err := b.reg.Info(f.Name)
		if err != nil {
			return
		}
		// Notify first so a client that crossed with an eviction still
		// learns the outcome.
		b.sendFrame(frame.Frame{Info: frame.InfoClientDelete, Name: f.Name}, snap.Endpoint)
		b.reg.Remove(f.Name)
		b.updateSubscriberGauges()
		b.log.Info("deleted client from registration", zap.String("name", f.Name))

	case frame.CmdRefresh:
		if err := b.reg.Refresh(f.Name); err == nil {
			b.log.Debug("refreshed client lease", zap.String("name", f.Name))
		}

	case frame.CmdSetSubs:
		if len(f.Subs) == 0 {
			return
		}
		if err := b.reg.SetFilter(f.Name, f.Subs); err == nil {
			b.log.Info("set subs of client", zap.String("name", f.Name), zap.Strings("subs", f.Subs))
		}

	case frame.CmdAddSubs:
		if len(f.Subs) == 0 {
			return
		}
		if err := b.reg.AddFilter(f.Name, f.Subs); err == nil {
			b.log.Info("added subs of client", zap.String("name", f.Name), zap.Strings("subs", f.Subs))
		}

	case frame.CmdRemSubs:
		if len(f.Subs) == 0 {
			return
		}
		if err := b.reg.RemFilter(f.Name, f.Subs); err == nil {
			b.log.Info("removed subs of client", zap.String("name", f.Name), zap.Strings("subs", f.Subs))
		}

	case frame.CmdInfo:
		snap, err := b.reg.Info(f.Name)
		if err != nil {
			return
		}
		b.sendFrame(frame.Frame{
			Info: frame.InfoClientInfo,
			Name: f.Name,
			Data: []any{snap.Endpoint.String(), snap.Subs, snap.Lease},
		}, snap.Endpoint)
		b.log.Info("sent info of client", zap.String("name", f.Name))

	case frame.CmdStop:
		b.log.Info("stop command received, shutting down")
		b.broadcastStop()
		b.cancel()

	case frame.CmdPing:
		if snap, err := b.reg.Info(f.Name); err == nil {
			b.sendFrame(frame.Frame{Info: frame.InfoPingAnswer, Name: f.Name}, snap.Endpoint)
			b.log.Info("sent pong to client", zap.String("name", f.Name))
		} else {
			b.sendFrame(frame.Frame{Info: frame.InfoPingAnswer}, src)
			b.log.Info("sent pong to unknown client")
		}

	case frame.CmdIsRegistered:
		_, known := b.reg.Mode(f.Name)
		b.sendFrame(frame.Frame{Info: frame.InfoRegistered, Data: known}, src)
		b.log.Info("sent registration answer", zap.String("name", f.Name), zap.Bool("registered", known))

	case "":
		b.log.Error("inbound frame has no command")

	default:
		b.log.Error("unknown command", zap.String("command", f.Command))
	}
}

func (b *Broker) register(f frame.Frame, src *net.UDPAddr) {
	mode := registry.Mode(f.Mode)
	if f.Name == "" || !mode.Valid() {
		b.log.Warn("rejecting register with missing name or mode",
			zap.String("name", f.Name), zap.String("mode", f.Mode))
		return
	}
	if !b.modeEnabled(mode) {
		b.sendFrame(frame.Frame{Info: frame.InfoError, Data: errModeDisabled}, src)
		b.log.Info("registration failed, mode not provided on the server",
			zap.String("name", f.Name), zap.String("mode", f.Mode))
		return
	}
	if err := b.reg.Create(f.Name, mode, src); err != nil {
		b.sendFrame(frame.Frame{Info: frame.InfoError, Data: errNameInUse}, src)
		b.log.Info("registration failed, name already in use", zap.String("name", f.Name))
		return
	}
	b.updateSubscriberGauges()
	b.log.Info("registration successful",
		zap.String("name", f.Name), zap.String("mode", f.Mode))
	b.ensureWorker(mode)
}

func (b *Broker) modeEnabled(mode registry.Mode) bool {
	if mode == registry.ModeHead {
		return b.cfg.Proxy.EnableHead
	}
	return b.cfg.Proxy.EnableIrreversible
}

func (b *Broker) updateSubscriberGauges() {
	for _, mode := range []registry.Mode{registry.ModeHead, registry.ModeIrreversible} {
		b.metrics.Subscribers.Active.WithLabelValues(string(mode)).Set(float64(len(b.reg.Cohort(mode))))
	}
}
