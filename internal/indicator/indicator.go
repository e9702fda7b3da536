// Package indicator models the tray icon as a read-only view over relay status.
package indicator

import (
	"context"
	"time"

	"voicetray/internal/relay"
)

type Indicator string

const (
	Idle         Indicator = "idle"
	Speaking     Indicator = "speaking"
	Disconnected Indicator = "disconnected"
)

// DefaultInterval is how often the tray re-reads status.
const DefaultInterval = 500 * time.Millisecond

// Choose maps a snapshot to an icon. A broker link that is anything other than
// connected outranks speaking; with MQTT disabled the link is ignored.
func Choose(st relay.Status) Indicator {
	switch {
	case st.MQTTStatus != "" && st.MQTTStatus != "disabled" && st.MQTTStatus != "connected":
		return Disconnected
	case st.IsSpeaking:
		return Speaking
	default:
		return Idle
	}
}

// StatusSource is anything that can produce a snapshot.
type StatusSource interface {
	Status() relay.Status
}

// Poller periodically reads a StatusSource and reports indicator changes.
// It never writes relay state.
type Poller struct {
	src      StatusSource
	interval time.Duration
	onChange func(prev, next Indicator, st relay.Status)
}

func NewPoller(src StatusSource, interval time.Duration, onChange func(prev, next Indicator, st relay.Status)) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{src: src, interval: interval, onChange: onChange}
}

// Run reports the initial indicator at once, then only changes.
func (p *Poller) Run(ctx context.Context) error {
	var cur Indicator
	check := func() {
		st := p.src.Status()
		next := Choose(st)
		if next == cur {
			return
		}
		prev := cur
		cur = next
		if p.onChange != nil {
			p.onChange(prev, next, st)
		}
	}

	check()
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			check()
		}
	}
}
