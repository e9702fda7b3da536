package app

import (
	"fmt"
	"strings"
	"time"

	"voicetray/internal/config"
	"voicetray/internal/indicator"
	"voicetray/internal/ingress/httpapi"
	"voicetray/internal/ingress/mqtt"
	"voicetray/internal/relay"
	"voicetray/internal/speech"
	"voicetray/internal/storage"
	"voicetray/internal/watcher"
	logx "voicetray/pkg/logx"
)

const defaultWatchDir = "~/.claude/projects"

func mapMQTTSettings(m config.MQTTConfig) (mqtt.Settings, error) {
	keepAlive, err := config.ParseDurationField("mqtt.keep_alive", m.KeepAlive)
	if err != nil {
		return mqtt.Settings{}, err
	}
	connectTimeout, err := config.ParseDurationField("mqtt.connect_timeout", m.ConnectTimeout)
	if err != nil {
		return mqtt.Settings{}, err
	}
	initial, err := config.ParseDurationField("mqtt.reconnect.initial", m.Reconnect.Initial)
	if err != nil {
		return mqtt.Settings{}, err
	}
	max, err := config.ParseDurationField("mqtt.reconnect.max", m.Reconnect.Max)
	if err != nil {
		return mqtt.Settings{}, err
	}
	s := mqtt.Settings{
		Enabled:        m.IsEnabled(),
		Broker:         strings.TrimSpace(m.Broker),
		Port:           m.Port,
		TopicSpeak:     strings.TrimSpace(m.TopicSpeak),
		TopicStatus:    strings.TrimSpace(m.TopicStatus),
		Username:       m.Username,
		Password:       m.Password,
		ClientID:       strings.TrimSpace(m.ClientID),
		KeepAlive:      keepAlive,
		ConnectTimeout: connectTimeout,
		Backoff: mqtt.Backoff{
			Initial:    initial,
			Max:        max,
			Multiplier: m.Reconnect.Multiplier,
		},
	}
	if err := s.Validate(); err != nil {
		return mqtt.Settings{}, err
	}
	return s, nil
}

func mapSpeechConfig(c config.SpeechConfig) speech.Config {
	return speech.Config{
		Driver:  strings.ToLower(strings.TrimSpace(c.Driver)),
		Command: strings.TrimSpace(c.Command),
		Args:    append([]string(nil), c.Args...),
	}
}

func mapRelayDefaults(c config.SpeechConfig) relay.Defaults {
	return relay.Defaults{Voice: c.DefaultVoice, Rate: c.DefaultRate}
}

func mapServerConfig(c config.ServerConfig) httpapi.ServerConfig {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.ServerConfig{Addr: addr}
}

// mapRetention returns the sweep schedule and max age; 0 disables age-based removal.
func mapRetention(t config.TimelineConfig) (string, time.Duration, error) {
	maxAge, err := config.ParseDurationField("timeline.retention", t.Retention)
	if err != nil {
		return "", 0, err
	}
	return strings.TrimSpace(t.Sweep), maxAge, nil
}

func mapWatcherConfig(w config.WatcherConfig) (watcher.Config, bool, error) {
	debounce, err := config.ParseDurationOrDefault("watcher.debounce", w.Debounce, 2*time.Second)
	if err != nil {
		return watcher.Config{}, false, err
	}
	dir := strings.TrimSpace(w.Dir)
	if dir == "" {
		dir = defaultWatchDir
	}
	return watcher.Config{
		Dir:            dir,
		CompletionText: w.CompletionText,
		CompletionRate: w.CompletionRate,
		SpawnRate:      w.SpawnRate,
		Debounce:       debounce,
		Agent:          w.Agent,
	}, w.Enabled, nil
}

func mapIndicatorInterval(c config.IndicatorConfig) (time.Duration, error) {
	return config.ParseDurationOrDefault("indicator.interval", c.Interval, indicator.DefaultInterval)
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// mapStorage reports enabled=false for a nil section or driver "none".
func mapStorage(sc *config.StorageConfig) (out storage.Config, enabled bool, err error) {
	if sc == nil {
		return out, false, nil
	}
	out.Driver = strings.ToLower(strings.TrimSpace(sc.Driver))
	out.Path = strings.TrimSpace(sc.Path)

	switch out.Driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if out.Path == "" {
			out.Path = "./voicetray"
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path: required for driver %q", out.Driver)
		}
		if out.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, false, err
		}
	default:
		return storage.Config{}, false, fmt.Errorf("storage.driver: unknown %q", sc.Driver)
	}
	return out, true, nil
}
