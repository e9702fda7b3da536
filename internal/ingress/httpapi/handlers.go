package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"voicetray/internal/config"
	"voicetray/internal/relay"
	"voicetray/internal/storage"
	logx "voicetray/pkg/logx"
)

const (
	maxBodyBytes = 64 << 10

	TestPhrase = "Hello! Voice Tray is working."
	testAgent  = "Test"
	testRate   = 175
)

const helpText = `Voice Tray API

  POST   /speak         queue text for speech   {"text":"...","voice":"...","rate":220,"agent":"..."}
  POST   /test          queue a test phrase
  GET    /timeline      recent entries, oldest first
  DELETE /timeline      remove finished entries
  GET    /status        queue and connection snapshot
  GET    /config/mqtt   broker settings (password redacted)
  PUT    /config/mqtt   validate, save and apply broker settings
  GET    /history       recent finished entries from storage (?limit=N)
  GET    /healthz       liveness
  GET    /ws            websocket event stream

Example:
  curl -X POST http://127.0.0.1:37779/speak \
    -H "Content-Type: application/json" \
    -d '{"text":"Hello!","voice":"Samantha"}'
`

type speakResponse struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) help(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, helpText)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(a.started).Round(time.Second).String(),
		"goroutines": a.health(),
		"runtime":    runtime.NumGoroutine(),
	})
}

func (a *API) speak(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	in, err := relay.DecodeInput(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.submit(w, in)
}

func (a *API) test(w http.ResponseWriter, r *http.Request) {
	rate := testRate
	a.submit(w, relay.Input{Text: TestPhrase, Agent: testAgent, Rate: &rate})
}

func (a *API) submit(w http.ResponseWriter, in relay.Input) {
	req, err := a.relay.Submit(in, relay.SourceRequest)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, speakResponse{ID: req.ID, Status: string(relay.StateQueued)})
	case errors.Is(err, relay.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relay.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.log.Error("submit failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.relay.Status())
}

func (a *API) timeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.relay.Entries())
}

func (a *API) clearTimeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": a.relay.Clear()})
}

func (a *API) getMQTT(w http.ResponseWriter, r *http.Request) {
	if a.cfg == nil {
		writeError(w, http.StatusNotFound, "config store not available")
		return
	}
	writeJSON(w, http.StatusOK, a.cfg.Get().MQTT.Redacted())
}

// putMQTT replaces the mqtt section. Sending back the redacted placeholder
// keeps the stored password.
func (a *API) putMQTT(w http.ResponseWriter, r *http.Request) {
	if a.cfg == nil {
		writeError(w, http.StatusNotFound, "config store not available")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	var in config.MQTTConfig
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	cur := a.cfg.Get()
	next := cur.Clone()
	if in.Password == config.RedactedPassword {
		in.Password = cur.MQTT.Password
	}
	next.MQTT = in

	if err := a.cfg.Save(r.Context(), next); err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		a.log.Error("config save failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not save config")
		return
	}
	a.log.Info("mqtt settings updated via api", logx.String("broker", next.MQTT.Broker), logx.Int("port", next.MQTT.Port))
	writeJSON(w, http.StatusOK, a.cfg.Get().MQTT.Redacted())
}

func (a *API) historyList(w http.ResponseWriter, r *http.Request) {
	h := a.historyReader()
	if h == nil {
		writeError(w, http.StatusNotFound, "history storage is disabled")
		return
	}
	limit := storage.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := h.RecentHistory(r.Context(), limit)
	if err != nil {
		a.log.Warn("history read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not read history")
		return
	}
	if entries == nil {
		entries = []storage.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
