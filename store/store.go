// Package store persists the device configuration across power cycles.
//
// Everything lives in one small JSON record under a single state file,
// the flash-backed equivalent of the original NVS namespace. Every
// operation opens and closes the file on its own so storage is never held
// open across the long-running parts of a wake cycle.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Defaults applied when a field has never been written.
const (
	DefaultServer   = "http://192.168.3.30:8080"
	DefaultSleepMin = 60

	// Sleep interval clamp, minutes.
	MinSleepMin = 10
	MaxSleepMin = 1440
)

// Config is the persisted device record.
type Config struct {
	SSID       string `json:"ssid"`
	Pass       string `json:"pass"`
	Server     string `json:"server"`
	SleepMin   int    `json:"sleep_min"`
	ConfigJSON string `json:"config_json"`
	Token      string `json:"device_token"`
	RetryCount int    `json:"retry_count"`
}

// Store reads and writes the state file.
type Store struct {
	path string
}

// New returns a store backed by the given file path. The file is created
// on first write.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the whole record, applying defaults for unset fields. A
// missing file yields the defaults, not an error: that is the first-boot
// case.
func (s *Store) Load() (Config, error) {
	cfg, err := s.read()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveWiFi persists the credential pair.
func (s *Store) SaveWiFi(ssid, pass string) error {
	return s.update(func(cfg *Config) {
		cfg.SSID = ssid
		cfg.Pass = pass
	})
}

// SaveServer persists the backend base address.
func (s *Store) SaveServer(url string) error {
	return s.update(func(cfg *Config) {
		cfg.Server = url
	})
}

// SaveToken persists the backend auth token.
func (s *Store) SaveToken(token string) error {
	return s.update(func(cfg *Config) {
		cfg.Token = token
	})
}

// SaveUserConfig persists the content-configuration document. The
// document is opaque to the firmware except for refreshInterval, which is
// re-derived into the clamped sleep interval whenever it changes.
func (s *Store) SaveUserConfig(configJSON string) error {
	return s.update(func(cfg *Config) {
		cfg.ConfigJSON = configJSON
		if min, ok := refreshIntervalOf(configJSON); ok {
			cfg.SleepMin = ClampSleepMin(min)
		}
	})
}

// RetryCount returns the persisted consecutive-failure counter.
func (s *Store) RetryCount() (int, error) {
	cfg, err := s.read()
	if err != nil {
		return 0, err
	}
	return cfg.RetryCount, nil
}

// SetRetryCount persists the counter.
func (s *Store) SetRetryCount(n int) error {
	return s.update(func(cfg *Config) {
		cfg.RetryCount = n
	})
}

// ResetRetryCount zeroes the counter, done on any successful fetch.
func (s *Store) ResetRetryCount() error {
	return s.SetRetryCount(0)
}

// ClampSleepMin bounds a refresh interval to [10, 1440] minutes.
func ClampSleepMin(min int) int {
	if min < MinSleepMin {
		return MinSleepMin
	}
	if min > MaxSleepMin {
		return MaxSleepMin
	}
	return min
}

// refreshIntervalOf pulls the top-level refreshInterval field out of the
// content-configuration document. Anything else in the document is none
// of the firmware's business.
func refreshIntervalOf(configJSON string) (int, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(configJSON), &doc); err != nil {
		return 0, false
	}
	raw, ok := doc["refreshInterval"]
	if !ok {
		return 0, false
	}
	var min float64
	if err := json.Unmarshal(raw, &min); err != nil {
		return 0, false
	}
	return int(min), true
}

// read is the read-only scope: open, decode, close.
func (s *Store) read() (Config, error) {
	cfg := Config{
		Server:   DefaultServer,
		SleepMin: DefaultSleepMin,
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("store: decode %s: %w", s.path, err)
	}
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.SleepMin == 0 {
		cfg.SleepMin = DefaultSleepMin
	}
	return cfg, nil
}

// update is the read-write scope: load, mutate, write atomically via a
// temp file so a power cut mid-write cannot corrupt the record.
func (s *Store) update(mutate func(*Config)) error {
	cfg, err := s.read()
	if err != nil {
		return err
	}
	mutate(&cfg)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
