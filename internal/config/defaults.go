package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Default returns the built-in configuration. It is also what gets written
// to disk when the config file is missing.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PidFile:       "/tmp/novad.pid",
			ShutdownGrace: "5s",
		},
		Socket: SocketConfig{
			Path:           "/tmp/novad.sock",
			MaxConnections: 16,
			ReadTimeout:    "5s",
			RatePerSec:     32,
		},
		Storage: StorageConfig{
			Path:        "./novad.db",
			BusyTimeout: "5s",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: "1m",
		},
		Logging: LoggingConfig{
			Level:   "INFO",
			Console: true,
		},
		Voice: &VoiceConfig{
			Enabled: true,
			Model:   "tts-1",
			Voice:   "nova",
			Timeout: "15s",
		},
		Oracle: &OracleConfig{
			Enabled: true,
			Model:   "gpt-4o-mini",
			Timeout: "30s",
		},
		Awareness: AwarenessConfig{
			Aware:        50,
			Enhanced:     200,
			Transcendent: 1000,
		},
		Plugins: map[string]PluginConfigRaw{},
	}
}

// Validate checks invariants that would make the daemon unable to start.
// It is also installed as the watch validator so a bad edit never replaces
// a good running config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Socket.Path) == "" {
		return errors.New("socket.path is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if cfg.Socket.MaxConnections < 0 {
		return errors.New("socket.max_connections must be >= 0")
	}
	if cfg.Socket.RatePerSec < 0 {
		return errors.New("socket.rate_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("socket.read_timeout", cfg.Socket.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("daemon.shutdown_grace", cfg.Daemon.ShutdownGrace); err != nil {
		return err
	}
	if cfg.Heartbeat.Enabled {
		d, err := ParseDurationField("heartbeat.interval", cfg.Heartbeat.Interval)
		if err != nil {
			return err
		}
		if d != 0 && d < time.Second {
			return errors.New("heartbeat.interval must be >= 1s")
		}
	}
	if cfg.Voice != nil {
		if _, err := ParseDurationField("voice.timeout", cfg.Voice.Timeout); err != nil {
			return err
		}
	}
	if cfg.Oracle != nil {
		if _, err := ParseDurationField("oracle.timeout", cfg.Oracle.Timeout); err != nil {
			return err
		}
	}
	aw := cfg.Awareness
	if aw.Aware < 0 || aw.Enhanced < 0 || aw.Transcendent < 0 {
		return errors.New("awareness thresholds must be >= 0")
	}
	if (aw.Enhanced != 0 && aw.Enhanced < aw.Aware) ||
		(aw.Transcendent != 0 && aw.Transcendent < aw.Enhanced) {
		return errors.New("awareness thresholds must be non-decreasing")
	}
	return nil
}

// EnsureFile makes sure a config file exists at path.
// If it is missing, the default config is written there (YAML) so operators
// have something concrete to edit. Returns true if the file was created.
func EnsureFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
	}

	// Round-trip through JSON so the YAML keys match the json tags the
	// strict decoder expects (yaml.Marshal would lowercase field names).
	jb, err := json.Marshal(Default())
	if err != nil {
		return false, fmt.Errorf("marshal default config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(jb, &m); err != nil {
		return false, fmt.Errorf("marshal default config: %w", err)
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
