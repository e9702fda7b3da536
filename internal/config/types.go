package config

import (
	"encoding/json"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Speech    SpeechConfig    `json:"speech"`
	Timeline  TimelineConfig  `json:"timeline"`
	Watcher   WatcherConfig   `json:"watcher"`
	Indicator IndicatorConfig `json:"indicator"`
	Logging   LoggingConfig   `json:"logging"`

	// Storage is optional. Nil means the history audit log is disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
}

// ServerConfig controls the local request listener.
//
// Prefer a loopback address; the listener has no authentication.
type ServerConfig struct {
	Addr string `json:"addr"` // default: "127.0.0.1:37779"
}

// MQTTConfig controls the publish/subscribe link.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
type MQTTConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	TopicSpeak  string `json:"topic_speak"`
	TopicStatus string `json:"topic_status"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	ClientID string `json:"client_id,omitempty"`

	KeepAlive      string          `json:"keep_alive,omitempty"`
	ConnectTimeout string          `json:"connect_timeout,omitempty"`
	Reconnect      ReconnectConfig `json:"reconnect"`
}

// ReconnectConfig is the capped exponential backoff between connection attempts.
//
// Defaults: initial "1s", max "30s", multiplier 2.
type ReconnectConfig struct {
	Initial    string  `json:"initial,omitempty"`
	Max        string  `json:"max,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
}

func (c MQTTConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// RedactedPassword replaces a configured password in API responses.
const RedactedPassword = "********"

// Redacted returns a copy safe to hand out over the API.
func (c MQTTConfig) Redacted() MQTTConfig {
	if c.Password != "" {
		c.Password = RedactedPassword
	}
	return c
}

// SpeechConfig selects the synthesis engine.
//
// Driver:
//   - "auto" (default): "say" on darwin, "sapi" on windows, "espeak" elsewhere
//   - "say", "espeak", "sapi"
//   - "command": run Command with Args; "{text}", "{voice}" and "{rate}" are substituted
type SpeechConfig struct {
	Driver       string   `json:"driver,omitempty"`
	Command      string   `json:"command,omitempty"`
	Args         []string `json:"args,omitempty"`
	DefaultVoice string   `json:"default_voice,omitempty"`
	DefaultRate  int      `json:"default_rate,omitempty"`
}

type TimelineConfig struct {
	MaxEntries int `json:"max_entries,omitempty"`
	// Retention removes terminal entries older than this. "0s" disables it.
	Retention string `json:"retention,omitempty"`
	// Sweep is a cron spec (robfig/cron syntax, e.g. "@every 1m").
	Sweep string `json:"sweep,omitempty"`
}

// WatcherConfig controls the session transcript watcher. Disabled by default.
type WatcherConfig struct {
	Enabled        bool   `json:"enabled"`
	Dir            string `json:"dir,omitempty"` // default: ~/.claude/projects
	CompletionText string `json:"completion_text,omitempty"`
	CompletionRate int    `json:"completion_rate,omitempty"`
	SpawnRate      int    `json:"spawn_rate,omitempty"`
	Debounce       string `json:"debounce,omitempty"`
	Agent          string `json:"agent,omitempty"`
}

type IndicatorConfig struct {
	Interval string `json:"interval,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional history audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./voicetray.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var out Config
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *c
		return &cp
	}
	return &out
}
