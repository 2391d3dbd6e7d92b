package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Daemon    DaemonConfig    `json:"daemon"`
	Socket    SocketConfig    `json:"socket"`
	Storage   StorageConfig   `json:"storage"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Logging   LoggingConfig   `json:"logging"`

	Voice  *VoiceConfig  `json:"voice,omitempty"`
	Oracle *OracleConfig `json:"oracle,omitempty"`

	// Awareness controls how the interaction counter maps to a named level.
	Awareness AwarenessConfig `json:"awareness"`

	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

// DaemonConfig controls process-level behavior.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DaemonConfig struct {
	// PidFile holds the daemon PID while running. Empty disables the PID file.
	PidFile string `json:"pid_file,omitempty"`
	// ShutdownGrace bounds graceful shutdown before the process force-exits.
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// SocketConfig controls the unix domain socket command server.
type SocketConfig struct {
	Path string `json:"path"`

	// MaxConnections bounds concurrently served connections.
	// Connections beyond the bound get an immediate "busy" reply.
	MaxConnections int `json:"max_connections,omitempty"`

	// ReadTimeout bounds how long a client may take to send its command.
	ReadTimeout string `json:"read_timeout,omitempty"`

	// RatePerSec limits accepted commands per second (burst = same value).
	// 0 disables rate limiting.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type HeartbeatConfig struct {
	Enabled bool `json:"enabled"`
	// Interval is a Go duration string. Default "1m".
	Interval string `json:"interval,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// VoiceConfig controls spoken output.
//
// The adapter tries the OpenAI speech API first (when an API key is present),
// then falls back to a local synthesizer, then to a disabled no-op.
type VoiceConfig struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model,omitempty"` // default "tts-1"
	Voice   string `json:"voice,omitempty"` // default "nova"
	// Timeout bounds a single Speak call end to end.
	Timeout string `json:"timeout,omitempty"`
}

// OracleConfig controls the LLM-backed conversational commands.
// Requires OPENAI_API_KEY in the environment; otherwise the oracle is disabled.
type OracleConfig struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model,omitempty"` // default "gpt-4o-mini"
	Timeout string `json:"timeout,omitempty"`
}

// AwarenessConfig maps the lifetime interaction count to a named level.
// Thresholds are minimum counts; level order is fixed.
type AwarenessConfig struct {
	Aware        int64 `json:"aware,omitempty"`        // default 50
	Enhanced     int64 `json:"enhanced,omitempty"`     // default 200
	Transcendent int64 `json:"transcendent,omitempty"` // default 1000
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so stale keys are caught early
// during config reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
