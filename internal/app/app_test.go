package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voicetray/internal/indicator"
	"voicetray/internal/ingress/mqtt"
	"voicetray/internal/relay"
)

type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, mqtt.Attempt) (mqtt.Conn, error) {
	return nil, errors.New("connection refused")
}

type memEngine struct {
	mu     sync.Mutex
	spoken []string
}

func (e *memEngine) Speak(_ context.Context, text, _ string, _ int) error {
	e.mu.Lock()
	e.spoken = append(e.spoken, text)
	e.mu.Unlock()
	return nil
}

func (e *memEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.spoken)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startApp(t *testing.T, eng relay.Engine) *App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "voicetray.json")
	cfg := `{
  "server": {"addr": "127.0.0.1:0"},
  "mqtt": {"enabled": false},
  "indicator": {"interval": "10ms"},
  "logging": {"level": "error", "console": true},
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "hist")) + `"}
}`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := NewApp(path, WithEngine(eng), WithDialer(refusingDialer{}), WithVersion("test"))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopAppStop)
		cancel()
	})
	select {
	case <-a.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("listener never became ready")
	}
	return a
}

func TestAppServesAndRecordsHistory(t *testing.T) {
	eng := &memEngine{}
	a := startApp(t, eng)
	base := "http://" + a.Addr()

	resp, err := http.Post(base+"/speak", "application/json", bytes.NewBufferString(`{"text":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	waitFor(t, "spoken", func() bool { return eng.count() == 1 })

	waitFor(t, "history row", func() bool {
		resp, err := http.Get(base + "/history")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var rows []map[string]any
		if json.NewDecoder(resp.Body).Decode(&rows) != nil {
			return false
		}
		return len(rows) == 1 && rows[0]["text"] == "hello" && rows[0]["status"] == "done"
	})

	st := a.Relay().Status()
	if st.MQTTStatus != "disabled" || st.ServerPort == 0 {
		t.Fatalf("status=%+v", st)
	}
	if got := a.Indicator(); got != indicator.Idle {
		t.Fatalf("indicator=%s", got)
	}
}

func TestAppEnablingMQTTReachesManagerAndIndicator(t *testing.T) {
	a := startApp(t, &memEngine{})
	base := "http://" + a.Addr()

	body := `{"enabled":true,"broker":"127.0.0.1","port":1883,"topic_speak":"voice/speak","topic_status":"voice/status","reconnect":{"initial":"50ms","max":"100ms","multiplier":2}}`
	req, _ := http.NewRequest(http.MethodPut, base+"/config/mqtt", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	waitFor(t, "mqtt leaves disabled", func() bool {
		s := a.Relay().Status().MQTTStatus
		return s == string(mqtt.StatusDisconnected) || s == string(mqtt.StatusConnecting)
	})
	waitFor(t, "indicator disconnected", func() bool { return a.Indicator() == indicator.Disconnected })
}

func TestAppRejectsInvalidHotReload(t *testing.T) {
	a := startApp(t, &memEngine{})
	cfg := a.cfgm.Get().Clone()
	cfg.Watcher.Debounce = "soon"
	if err := a.cfgm.Save(context.Background(), cfg); err == nil {
		t.Fatal("invalid watcher debounce accepted")
	}
	if a.cfgm.Get().Watcher.Debounce == "soon" {
		t.Fatal("invalid config committed")
	}
}
