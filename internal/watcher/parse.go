package watcher

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Kind is what a batch of transcript lines asks us to announce.
type Kind int

const (
	KindNone Kind = iota
	KindCompletion
	KindSpawn
)

type LineEvent struct {
	Kind Kind
	// Desc names the spawned subagent for KindSpawn.
	Desc string
}

type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		StopReason string          `json:"stop_reason"`
		Content    json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentItem struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Input struct {
		Description  string `json:"description"`
		SubagentType string `json:"subagent_type"`
	} `json:"input"`
}

var stopReasonKey = []byte("stop_reason")

// ParseLines scans newline-separated transcript records. A subagent spawn wins
// immediately; otherwise any assistant end_turn yields a completion.
// Unparseable lines are skipped.
func ParseLines(b []byte) LineEvent {
	out := LineEvent{}
	for _, line := range bytes.Split(b, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.Contains(line, stopReasonKey) {
			continue
		}
		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil || tl.Type != "assistant" {
			continue
		}
		switch tl.Message.StopReason {
		case "end_turn":
			out = LineEvent{Kind: KindCompletion}
		case "tool_use":
			if desc, ok := taskSpawn(tl.Message.Content); ok {
				return LineEvent{Kind: KindSpawn, Desc: desc}
			}
		}
	}
	return out
}

// taskSpawn returns the description of the first Task tool_use block.
func taskSpawn(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '[' {
		return "", false
	}
	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", false
	}
	for _, it := range items {
		if it.Type != "tool_use" || it.Name != "Task" {
			continue
		}
		switch {
		case strings.TrimSpace(it.Input.Description) != "":
			return strings.TrimSpace(it.Input.Description), true
		case strings.TrimSpace(it.Input.SubagentType) != "":
			return strings.TrimSpace(it.Input.SubagentType), true
		default:
			return "agent", true
		}
	}
	return "", false
}
