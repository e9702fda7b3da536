package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MaxRate bounds the words-per-minute a caller may request.
const MaxRate = 1000

// Input is the wire shape shared by every ingress channel:
//
//	{"text": "...", "voice": "...", "rate": 220, "agent": "..."}
type Input struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
	Rate  *int   `json:"rate,omitempty"`
	Agent string `json:"agent,omitempty"`
}

// Defaults fill optional fields.
type Defaults struct {
	Voice string
	Rate  int
}

// DecodeInput parses a JSON payload. Structural problems are ValidationErrors.
// Unknown fields are ignored so producers can attach their own metadata.
func DecodeInput(b []byte) (Input, error) {
	var in Input
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return in, &ValidationError{Msg: "empty payload"}
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return in, &ValidationError{Msg: "invalid json", Err: err}
	}
	return in, nil
}

// Normalize validates in and applies defaults. The returned request has no id
// or receive time yet; Service.Submit assigns both.
func Normalize(in Input, src Source, d Defaults) (Request, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Request{}, &ValidationError{Field: "text", Msg: "required"}
	}

	voice := strings.TrimSpace(in.Voice)
	if voice == "" {
		voice = d.Voice
	}

	rate := d.Rate
	if in.Rate != nil {
		rate = *in.Rate
		if rate <= 0 || rate > MaxRate {
			return Request{}, &ValidationError{Field: "rate", Msg: fmt.Sprintf("must be in 1..%d, got %d", MaxRate, rate)}
		}
	}

	switch src {
	case SourceRequest, SourceSubscription, SourceWatcher:
	default:
		return Request{}, &ValidationError{Field: "source", Msg: fmt.Sprintf("unknown source %q", src)}
	}

	return Request{
		Text:   text,
		Voice:  voice,
		Rate:   rate,
		Agent:  strings.TrimSpace(in.Agent),
		Source: src,
	}, nil
}
