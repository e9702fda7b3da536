package mqtt

import (
	"sync/atomic"

	"voicetray/internal/relay"
	logx "voicetray/pkg/logx"
)

// Submitter is the relay entry point shared by every ingress channel.
type Submitter interface {
	Submit(in relay.Input, src relay.Source) (relay.Request, error)
}

// Adapter turns subscription deliveries into relay submissions.
type Adapter struct {
	sub   Submitter
	log   logx.Logger
	noisy logx.Logger

	accepted atomic.Uint64
	rejected atomic.Uint64
}

func NewAdapter(sub Submitter, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{sub: sub, log: log, noisy: log.Limited(1)}
}

// Handle never returns an error: a bad payload is logged and dropped so the
// subscription keeps flowing.
func (a *Adapter) Handle(msg Message) {
	in, err := relay.DecodeInput(msg.Payload)
	if err == nil {
		var r relay.Request
		r, err = a.sub.Submit(in, relay.SourceSubscription)
		if err == nil {
			a.accepted.Add(1)
			a.log.Debug("mqtt message queued", logx.Uint64("id", r.ID), logx.String("topic", msg.Topic), logx.Bool("dup", msg.Duplicate))
			return
		}
	}
	a.rejected.Add(1)
	a.noisy.Warn("mqtt message dropped",
		logx.String("topic", msg.Topic),
		logx.Int("bytes", len(msg.Payload)),
		logx.Uint64("rejected_total", a.rejected.Load()),
		logx.Err(err),
	)
}

func (a *Adapter) Stats() (accepted, rejected uint64) {
	return a.accepted.Load(), a.rejected.Load()
}
