package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "voicetray/pkg/logx"
)

// ConfigManager owns the committed config. Load, Save and Watch are the only
// writers; every accepted change is validated first and then fanned out to
// subscribers, newest wins.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // content hash of cfg; lets Watch ignore our own writes

	subsMu sync.Mutex
	subs   []chan *Config

	saveMu    sync.Mutex
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs a hook that runs after Validate, before Save or a
// file reload commits anything.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and decodes the config file, fills defaults and applies
// environment overrides. It does not validate.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, b)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

// decode is strict: unknown keys and trailing documents are errors.
func decode(path string, b []byte) (*Config, error) {
	jb, err := toJSON(path, b)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigError{Msg: "decode " + filepath.Base(path), Err: err}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Msg: "trailing data after config document", Err: err}
	}
	return &cfg, nil
}

// Load parses, validates and commits the config file. A missing file is
// created with defaults.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if errors.Is(err, fs.ErrNotExist) {
		if werr := m.write(Default()); werr != nil {
			m.log.Warn("config init write failed", logx.String("path", m.path), logx.Err(werr))
		}
		cfg, err = Default(), nil
		applyEnv(cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// check runs the built-in rules and then the installed validator.
// Any rejection matches ErrInvalidConfig.
func (m *ConfigManager) check(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := m.validator(vctx, cfg)
	if err == nil || errors.Is(err, ErrInvalidConfig) {
		return err
	}
	return &ConfigError{Msg: err.Error(), Err: err}
}

// Save validates cfg, writes it atomically (tmp + rename), commits and
// publishes it. On error nothing changes.
func (m *ConfigManager) Save(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return &ConfigError{Msg: "config is nil"}
	}
	ApplyDefaults(cfg)
	if err := m.check(ctx, cfg); err != nil {
		return err
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if err := m.write(cfg); err != nil {
		return fmt.Errorf("config save: %w", err)
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config saved", logx.String("path", m.path))
	return nil
}

// write replaces the file in one rename so readers never see half a config.
func (m *ConfigManager) write(cfg *Config) (err error) {
	b, err := encodeForPath(m.path, cfg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	// The file can hold broker credentials.
	if err = os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()
}

func (m *ConfigManager) sameAsCommitted(h uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return h != 0 && h == m.lastHash
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Get returns the committed config. Callers must treat it as read-only.
func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving every committed config.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish holds subsMu for the whole fanout so Unsubscribe cannot close a
// channel mid-send.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest never blocks: a full channel loses its oldest value.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}
