// Package httpapi is the local request listener: speak requests, timeline and
// status reads, MQTT settings, history and a websocket event stream.
package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"voicetray/internal/config"
	"voicetray/internal/eventbus"
	"voicetray/internal/relay"
	rtsup "voicetray/internal/runtime/supervisor"
	"voicetray/internal/storage"
	logx "voicetray/pkg/logx"
)

// Relay is the part of relay.Service the API drives.
type Relay interface {
	Submit(in relay.Input, src relay.Source) (relay.Request, error)
	Status() relay.Status
	Clear() int
	Entries() []relay.Entry
}

// ConfigStore reads and transactionally saves the daemon config.
type ConfigStore interface {
	Get() *config.Config
	Save(ctx context.Context, cfg *config.Config) error
}

type HistoryReader interface {
	RecentHistory(ctx context.Context, limit int) ([]storage.HistoryEntry, error)
}

type Deps struct {
	Relay  Relay
	Config ConfigStore
	Bus    eventbus.Bus
	Log    logx.Logger
	// Health reports goroutine counters; nil reports zeros.
	Health func() rtsup.Counters
}

type API struct {
	relay   Relay
	cfg     ConfigStore
	bus     eventbus.Bus
	log     logx.Logger
	health  func() rtsup.Counters
	history atomic.Pointer[historyRef]
	started time.Time
}

type historyRef struct{ r HistoryReader }

func New(d Deps) *API {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Health == nil {
		d.Health = func() rtsup.Counters { return rtsup.Counters{} }
	}
	return &API{relay: d.Relay, cfg: d.Config, bus: d.Bus, log: d.Log, health: d.Health, started: time.Now()}
}

// SetHistory enables /history. Nil disables it.
func (a *API) SetHistory(h HistoryReader) { a.history.Store(&historyRef{r: h}) }

func (a *API) historyReader() HistoryReader {
	if ref := a.history.Load(); ref != nil {
		return ref.r
	}
	return nil
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(a.logging)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", a.help)
	r.Get("/healthz", a.healthz)

	r.Post("/speak", a.speak)
	r.Post("/test", a.test)
	r.Get("/status", a.status)
	r.Get("/timeline", a.timeline)
	r.Delete("/timeline", a.clearTimeline)
	r.Get("/config/mqtt", a.getMQTT)
	r.Put("/config/mqtt", a.putMQTT)
	r.Get("/history", a.historyList)
	r.Get("/ws", a.events)

	return r
}

func (a *API) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}
