package config

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{name: "defaults ok"},
		{name: "bad addr", mutate: func(c *Config) { c.Server.Addr = "nope" }, field: "server.addr"},
		{name: "empty broker", mutate: func(c *Config) { c.MQTT.Broker = "" }, field: "mqtt.broker"},
		{name: "url broker", mutate: func(c *Config) { c.MQTT.Broker = "tcp://host" }, field: "mqtt.broker"},
		{name: "port range", mutate: func(c *Config) { c.MQTT.Port = 0 }, field: "mqtt.port"},
		{name: "status wildcard", mutate: func(c *Config) { c.MQTT.TopicStatus = "voice/#" }, field: "mqtt.topic_status"},
		{name: "keepalive", mutate: func(c *Config) { c.MQTT.KeepAlive = "soon" }, field: "mqtt.keep_alive"},
		{name: "backoff order", mutate: func(c *Config) { c.MQTT.Reconnect.Initial = "1m"; c.MQTT.Reconnect.Max = "1s" }, field: "mqtt.reconnect"},
		{name: "multiplier", mutate: func(c *Config) { c.MQTT.Reconnect.Multiplier = 0.5 }, field: "mqtt.reconnect.multiplier"},
		{name: "driver", mutate: func(c *Config) { c.Speech.Driver = "festival" }, field: "speech.driver"},
		{name: "command needs path", mutate: func(c *Config) { c.Speech.Driver = "command" }, field: "speech.command"},
		{name: "sweep", mutate: func(c *Config) { c.Timeline.Sweep = "every minute" }, field: "timeline.sweep"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, field: "logging.level"},
		{name: "storage driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, field: "storage.driver"},
		{name: "disabled mqtt may omit broker", mutate: func(c *Config) {
			off := false
			c.MQTT.Enabled = &off
			c.MQTT.Broker = ""
		}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			if tc.mutate != nil {
				tc.mutate(cfg)
			}
			err := Validate(cfg)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Field != tc.field {
				t.Fatalf("expected field %q, got %v", tc.field, err)
			}
		})
	}
}

func TestRedactedHidesPassword(t *testing.T) {
	m := MQTTConfig{Username: "u", Password: "secret"}
	r := m.Redacted()
	if r.Password != RedactedPassword || r.Username != "u" {
		t.Fatalf("redacted=%+v", r)
	}
	if m.Password != "secret" {
		t.Fatalf("Redacted must not mutate the receiver")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	b := a.Clone()
	b.MQTT.Password = "changed"
	b.Logging.Level = "debug"

	changed, attrs := SummarizeConfigChange(a, b)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "mqtt" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if changed, _ := SummarizeConfigChange(a, a.Clone()); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}
