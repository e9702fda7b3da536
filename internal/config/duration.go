package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string found at path (e.g.
// "mqtt.keep_alive"). Empty means zero. Failures are *ConfigError.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, &ConfigError{Field: path, Msg: fmt.Sprintf("invalid duration %q", raw), Err: err}
	case d < 0:
		return 0, &ConfigError{Field: path, Msg: fmt.Sprintf("duration %q must not be negative", raw)}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
