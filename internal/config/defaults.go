package config

import "strings"

const (
	DefaultServerAddr     = "127.0.0.1:37779"
	DefaultBroker         = "127.0.0.1"
	DefaultPort           = 1883
	DefaultTopicSpeak     = "voice/speak"
	DefaultTopicStatus    = "voice/status"
	DefaultClientID       = "voice-tray-v2"
	DefaultKeepAlive      = "30s"
	DefaultConnectTimeout = "10s"

	DefaultReconnectInitial    = "1s"
	DefaultReconnectMax        = "30s"
	DefaultReconnectMultiplier = 2.0

	DefaultVoice = "Samantha"
	DefaultRate  = 220

	DefaultTimelineMax   = 100
	DefaultTimelineSweep = "@every 1m"

	DefaultCompletionText = "Claude Stop"
	DefaultSpawnRate      = 230
	DefaultWatchDebounce  = "2s"
	DefaultWatchAgent     = "claude"

	DefaultIndicatorInterval = "500ms"
)

// Default returns a fully populated config.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = DefaultServerAddr
	}

	m := &cfg.MQTT
	if m.Enabled == nil {
		on := true
		m.Enabled = &on
	}
	if strings.TrimSpace(m.Broker) == "" {
		m.Broker = DefaultBroker
	}
	if m.Port == 0 {
		m.Port = DefaultPort
	}
	if strings.TrimSpace(m.TopicSpeak) == "" {
		m.TopicSpeak = DefaultTopicSpeak
	}
	if strings.TrimSpace(m.TopicStatus) == "" {
		m.TopicStatus = DefaultTopicStatus
	}
	if strings.TrimSpace(m.ClientID) == "" {
		m.ClientID = DefaultClientID
	}
	if strings.TrimSpace(m.KeepAlive) == "" {
		m.KeepAlive = DefaultKeepAlive
	}
	if strings.TrimSpace(m.ConnectTimeout) == "" {
		m.ConnectTimeout = DefaultConnectTimeout
	}
	if strings.TrimSpace(m.Reconnect.Initial) == "" {
		m.Reconnect.Initial = DefaultReconnectInitial
	}
	if strings.TrimSpace(m.Reconnect.Max) == "" {
		m.Reconnect.Max = DefaultReconnectMax
	}
	if m.Reconnect.Multiplier == 0 {
		m.Reconnect.Multiplier = DefaultReconnectMultiplier
	}

	if strings.TrimSpace(cfg.Speech.Driver) == "" {
		cfg.Speech.Driver = "auto"
	}
	if strings.TrimSpace(cfg.Speech.DefaultVoice) == "" {
		cfg.Speech.DefaultVoice = DefaultVoice
	}
	if cfg.Speech.DefaultRate == 0 {
		cfg.Speech.DefaultRate = DefaultRate
	}

	if cfg.Timeline.MaxEntries == 0 {
		cfg.Timeline.MaxEntries = DefaultTimelineMax
	}
	if strings.TrimSpace(cfg.Timeline.Sweep) == "" {
		cfg.Timeline.Sweep = DefaultTimelineSweep
	}

	w := &cfg.Watcher
	if strings.TrimSpace(w.CompletionText) == "" {
		w.CompletionText = DefaultCompletionText
	}
	if w.CompletionRate == 0 {
		w.CompletionRate = DefaultRate
	}
	if w.SpawnRate == 0 {
		w.SpawnRate = DefaultSpawnRate
	}
	if strings.TrimSpace(w.Debounce) == "" {
		w.Debounce = DefaultWatchDebounce
	}
	if strings.TrimSpace(w.Agent) == "" {
		w.Agent = DefaultWatchAgent
	}

	if strings.TrimSpace(cfg.Indicator.Interval) == "" {
		cfg.Indicator.Interval = DefaultIndicatorInterval
	}
}
