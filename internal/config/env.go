package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvMQTTUsername = "VOICETRAY_MQTT_USERNAME"
	EnvMQTTPassword = "VOICETRAY_MQTT_PASSWORD"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set in the environment win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// applyEnv overlays credentials from the environment.
func applyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v, ok := os.LookupEnv(EnvMQTTUsername); ok && v != "" {
		cfg.MQTT.Username = v
	}
	if v, ok := os.LookupEnv(EnvMQTTPassword); ok && v != "" {
		cfg.MQTT.Password = v
	}
}
