package config

import (
	"reflect"
	"sort"
	"strings"

	logx "voicetray/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes credentials).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if strings.TrimSpace(oldCfg.Server.Addr) != strings.TrimSpace(newCfg.Server.Addr) {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)))
	}

	// MQTT (never log credentials, only whether they are set)
	if MQTTChanged(oldCfg.MQTT, newCfg.MQTT) {
		n := newCfg.MQTT
		changed = append(changed, "mqtt")
		attrs = append(attrs,
			logx.Bool("mqtt.enabled", n.IsEnabled()),
			logx.String("mqtt.broker", n.Broker),
			logx.Int("mqtt.port", n.Port),
			logx.String("mqtt.topic_speak", n.TopicSpeak),
			logx.String("mqtt.topic_status", n.TopicStatus),
			logx.Bool("mqtt.username_set", n.Username != ""),
			logx.Bool("mqtt.password_set", n.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Speech, newCfg.Speech) {
		changed = append(changed, "speech")
		attrs = append(attrs,
			logx.String("speech.driver", newCfg.Speech.Driver),
			logx.String("speech.default_voice", newCfg.Speech.DefaultVoice),
			logx.Int("speech.default_rate", newCfg.Speech.DefaultRate),
		)
	}

	if oldCfg.Timeline != newCfg.Timeline {
		changed = append(changed, "timeline")
		attrs = append(attrs,
			logx.Int("timeline.max_entries", newCfg.Timeline.MaxEntries),
			logx.String("timeline.retention", newCfg.Timeline.Retention),
			logx.String("timeline.sweep", newCfg.Timeline.Sweep),
		)
	}

	if oldCfg.Watcher != newCfg.Watcher {
		changed = append(changed, "watcher")
		attrs = append(attrs,
			logx.Bool("watcher.enabled", newCfg.Watcher.Enabled),
			logx.String("watcher.dir", newCfg.Watcher.Dir),
		)
	}

	if oldCfg.Indicator != newCfg.Indicator {
		changed = append(changed, "indicator")
		attrs = append(attrs, logx.String("indicator.interval", newCfg.Indicator.Interval))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (nil means disabled)
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// MQTTChanged reports whether anything that affects the live connection differs.
func MQTTChanged(a, b MQTTConfig) bool {
	return a.IsEnabled() != b.IsEnabled() ||
		a.Broker != b.Broker ||
		a.Port != b.Port ||
		a.TopicSpeak != b.TopicSpeak ||
		a.TopicStatus != b.TopicStatus ||
		a.Username != b.Username ||
		a.Password != b.Password ||
		a.ClientID != b.ClientID ||
		a.KeepAlive != b.KeepAlive ||
		a.ConnectTimeout != b.ConnectTimeout ||
		a.Reconnect != b.Reconnect
}
