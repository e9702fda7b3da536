package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"

	logx "voicetray/pkg/logx"
)

// ErrInvalidConfig matches every *ConfigError via errors.Is.
var ErrInvalidConfig = errors.New("invalid config")

// ConfigError is a rejected field. A rejected config is never committed,
// so the previous one stays active.
type ConfigError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return e.Field + ": " + e.Msg
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

func (e *ConfigError) Unwrap() error { return e.Err }

func fieldErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks a defaulted config. All problems are joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ConfigError{Msg: "config is nil"}
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Server.Addr)); err != nil {
		add(fieldErr("server.addr", "invalid listen address %q", cfg.Server.Addr))
	}

	add(ValidateMQTT(cfg.MQTT))

	switch strings.ToLower(strings.TrimSpace(cfg.Speech.Driver)) {
	case "auto", "say", "espeak", "sapi":
	case "command":
		if strings.TrimSpace(cfg.Speech.Command) == "" {
			add(fieldErr("speech.command", "required when driver is \"command\""))
		}
	default:
		add(fieldErr("speech.driver", "unknown driver %q (supported: auto, say, espeak, sapi, command)", cfg.Speech.Driver))
	}
	if cfg.Speech.DefaultRate < 0 {
		add(fieldErr("speech.default_rate", "must be > 0"))
	}

	if cfg.Timeline.MaxEntries < 0 {
		add(fieldErr("timeline.max_entries", "must be >= 0"))
	}
	add(durationErr("timeline.retention", cfg.Timeline.Retention))
	if s := strings.TrimSpace(cfg.Timeline.Sweep); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			add(&ConfigError{Field: "timeline.sweep", Msg: fmt.Sprintf("invalid schedule %q", s), Err: err})
		}
	}

	add(durationErr("watcher.debounce", cfg.Watcher.Debounce))
	if cfg.Watcher.CompletionRate < 0 || cfg.Watcher.SpawnRate < 0 {
		add(fieldErr("watcher", "rates must be > 0"))
	}
	add(durationErr("indicator.interval", cfg.Indicator.Interval))

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fieldErr("logging.level", "unknown level %q", cfg.Logging.Level))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite":
		default:
			add(fieldErr("storage.driver", "unknown driver %q (supported: file, sqlite)", s.Driver))
		}
		add(durationErr("storage.busy_timeout", s.BusyTimeout))
	}

	return errors.Join(errs...)
}

// ValidateMQTT checks the mqtt section alone. It is also used by the
// config API before a partial update is merged.
func ValidateMQTT(m MQTTConfig) error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if m.IsEnabled() && strings.TrimSpace(m.Broker) == "" {
		add(fieldErr("mqtt.broker", "required"))
	}
	if strings.ContainsAny(m.Broker, "/ ") {
		add(fieldErr("mqtt.broker", "must be a host name or address, not a URL"))
	}
	if m.Port < 1 || m.Port > 65535 {
		add(fieldErr("mqtt.port", "must be in 1..65535, got %d", m.Port))
	}
	if strings.TrimSpace(m.TopicSpeak) == "" {
		add(fieldErr("mqtt.topic_speak", "required"))
	}
	if t := strings.TrimSpace(m.TopicStatus); t == "" {
		add(fieldErr("mqtt.topic_status", "required"))
	} else if strings.ContainsAny(t, "+#") {
		add(fieldErr("mqtt.topic_status", "must not contain wildcards"))
	}
	add(durationErr("mqtt.keep_alive", m.KeepAlive))
	add(durationErr("mqtt.connect_timeout", m.ConnectTimeout))

	add(durationErr("mqtt.reconnect.initial", m.Reconnect.Initial))
	add(durationErr("mqtt.reconnect.max", m.Reconnect.Max))
	initial, _ := ParseDurationField("mqtt.reconnect.initial", m.Reconnect.Initial)
	max, _ := ParseDurationField("mqtt.reconnect.max", m.Reconnect.Max)
	if initial > 0 && max > 0 && initial > max {
		add(fieldErr("mqtt.reconnect", "initial (%s) must not exceed max (%s)", initial, max))
	}
	if m.Reconnect.Multiplier != 0 && m.Reconnect.Multiplier < 1 {
		add(fieldErr("mqtt.reconnect.multiplier", "must be >= 1"))
	}
	return errors.Join(errs...)
}

func durationErr(field, raw string) error {
	_, err := ParseDurationField(field, raw)
	return err
}
