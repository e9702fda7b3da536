package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"voicetray/internal/eventbus"
	"voicetray/internal/relay"
	logx "voicetray/pkg/logx"
)

// Publisher sends one message on the live broker connection.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// AgentStatus republishes the last accepted subscription message of each
// agent as a retained message on voice/agent/<agent>/status.
type AgentStatus struct {
	pub Publisher
	bus eventbus.Bus
	log logx.Logger
}

func NewAgentStatus(pub Publisher, bus eventbus.Bus, log logx.Logger) *AgentStatus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AgentStatus{pub: pub, bus: bus, log: log}
}

var topicUnsafe = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func AgentTopic(agent string) string {
	return "voice/agent/" + topicUnsafe.Replace(strings.TrimSpace(agent)) + "/status"
}

type agentMessage struct {
	LastMessage string `json:"last_message"`
	Timestamp   string `json:"timestamp"`
	ID          uint64 `json:"id"`
}

// Run consumes queued events until ctx is done.
func (a *AgentStatus) Run(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *AgentStatus) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Type != eventbus.SpeechQueued {
		return
	}
	e, ok := ev.Data.(relay.Entry)
	if !ok || e.Source != relay.SourceSubscription || e.Agent == "" {
		return
	}
	payload, err := json.Marshal(agentMessage{
		LastMessage: e.Text,
		Timestamp:   e.ReceivedAt.UTC().Format(time.RFC3339),
		ID:          e.ID,
	})
	if err != nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.pub.Publish(pctx, AgentTopic(e.Agent), payload, true); err != nil {
		if errors.Is(err, ErrNotConnected) {
			a.log.Debug("agent status skipped, not connected", logx.String("agent", e.Agent))
			return
		}
		a.log.Warn("agent status publish failed", logx.String("agent", e.Agent), logx.Err(err))
	}
}
