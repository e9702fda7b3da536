package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"voicetray/internal/eventbus"
	logx "voicetray/pkg/logx"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 64
)

// Browsers on other origins may watch the stream; it carries no secrets.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// events streams bus events as JSON {type,time,data}. The first frame is a
// status snapshot so a client can render without polling.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("ws upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	ch, unsub := a.bus.Subscribe(wsBuffer)
	defer unsub()

	// Reader: answers pings and notices the client going away.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	if err := write(eventbus.Event{Type: "status", Time: time.Now(), Data: a.relay.Status()}); err != nil {
		return
	}
	a.log.Debug("ws client connected", logx.String("remote", r.RemoteAddr))

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-closed:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := write(ev); err != nil {
				a.log.Debug("ws write failed", logx.Err(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
