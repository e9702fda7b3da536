package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"voicetray/internal/eventbus"
	"voicetray/internal/relay"
	logx "voicetray/pkg/logx"
)

func newRelay(bus eventbus.Bus) *relay.Service {
	return relay.New(relay.Options{Defaults: relay.Defaults{Voice: "Samantha", Rate: 220}, Bus: bus})
}

func TestAdapterDropsMalformedPayloads(t *testing.T) {
	svc := newRelay(nil)
	a := NewAdapter(svc, logx.Nop())

	for _, p := range []string{``, `not json`, `{"text":""}`, `{"text":"   "}`, `{"voice":"Alex"}`, `[1,2]`, `{"text":"hi","rate":-5}`} {
		a.Handle(Message{Topic: "voice/speak", Payload: []byte(p)})
	}
	if n := len(svc.Timeline().Entries()); n != 0 {
		t.Fatalf("malformed payloads created %d entries", n)
	}

	a.Handle(Message{Topic: "voice/speak", Payload: []byte(`{"text":"still here","agent":"Main","extra":true}`)})
	es := svc.Timeline().Entries()
	if len(es) != 1 {
		t.Fatalf("entries=%d", len(es))
	}
	e := es[0]
	if e.ID != 1 || e.Text != "still here" || e.Agent != "Main" || e.Source != relay.SourceSubscription || e.Voice != "Samantha" || e.Rate != 220 {
		t.Fatalf("entry=%+v", e)
	}
	if acc, rej := a.Stats(); acc != 1 || rej != 7 {
		t.Fatalf("accepted=%d rejected=%d", acc, rej)
	}
}

func TestAdapterDuplicatesAreSpokenTwice(t *testing.T) {
	svc := newRelay(nil)
	a := NewAdapter(svc, logx.Nop())
	msg := Message{Topic: "voice/speak", Payload: []byte(`{"text":"again"}`)}
	a.Handle(msg)
	msg.Duplicate = true
	a.Handle(msg)
	if n := len(svc.Timeline().Entries()); n != 2 {
		t.Fatalf("entries=%d", n)
	}
}

func TestAdapterSharesOrderingWithRequests(t *testing.T) {
	svc := newRelay(nil)
	a := NewAdapter(svc, logx.Nop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			a.Handle(Message{Topic: "voice/speak", Payload: []byte(`{"text":"sub"}`)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if _, err := svc.Submit(relay.Input{Text: "req"}, relay.SourceRequest); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}
	}()
	wg.Wait()

	es := svc.Timeline().Entries()
	if len(es) != 100 {
		t.Fatalf("entries=%d", len(es))
	}
	bySource := map[relay.Source]int{}
	for i, e := range es {
		if e.ID != uint64(i+1) {
			t.Fatalf("position %d has id %d", i, e.ID)
		}
		bySource[e.Source]++
	}
	if bySource[relay.SourceSubscription] != 50 || bySource[relay.SourceRequest] != 50 {
		t.Fatalf("sources=%v", bySource)
	}
}

type fakePublisher struct {
	mu   sync.Mutex
	sent map[string][]byte
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if !retained {
		return nil
	}
	p.sent[topic] = payload
	return nil
}

func (p *fakePublisher) get(topic string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[topic]
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestAgentStatusPublishesForSubscriptionAgents(t *testing.T) {
	bus := eventbus.New()
	svc := newRelay(bus)
	pub := &fakePublisher{sent: map[string][]byte{}}
	as := NewAgentStatus(pub, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = as.Run(ctx) }()
	defer func() { cancel(); <-done }()

	// Run subscribes asynchronously; keep submitting until the first one lands.
	a := NewAdapter(svc, logx.Nop())
	waitFor(t, "agent status", func() bool {
		a.Handle(Message{Topic: "voice/speak", Payload: []byte(`{"text":"build done","agent":"CI/main"}`)})
		return pub.get("voice/agent/CI_main/status") != nil
	})

	var got agentMessage
	if err := json.Unmarshal(pub.get("voice/agent/CI_main/status"), &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.LastMessage != "build done" || got.ID == 0 {
		t.Fatalf("payload=%+v", got)
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", got.Timestamp, err)
	}

	// Requests and agent-less messages do not publish.
	if _, err := svc.Submit(relay.Input{Text: "x", Agent: "Local"}, relay.SourceRequest); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	a.Handle(Message{Topic: "voice/speak", Payload: []byte(`{"text":"anon"}`)})
	time.Sleep(50 * time.Millisecond)
	if n := pub.count(); n != 1 {
		t.Fatalf("published topics=%d", n)
	}
}

func TestAgentTopic(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Main":     "voice/agent/Main/status",
		" spaced ": "voice/agent/spaced/status",
		"a/b+c#":   "voice/agent/a_b_c_/status",
	}
	for in, want := range cases {
		if got := AgentTopic(in); got != want {
			t.Fatalf("AgentTopic(%q)=%q want %q", in, got, want)
		}
	}
}
