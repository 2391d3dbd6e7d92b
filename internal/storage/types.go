package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Interaction records one dispatched command.
// Keep it compact and schema-stable.
type Interaction struct {
	ID         int64
	At         time.Time
	Kind       string // command name
	Source     string // "socket", "heartbeat", ...
	Input      string // raw or normalized request payload
	Output     string // response payload, possibly truncated
	DurationMS int64
	Success    bool
}

// SystemEvent records a daemon-level occurrence (lifecycle transition,
// heartbeat snapshot, reload, ...).
type SystemEvent struct {
	ID       int64
	At       time.Time
	Type     string
	Severity string // "info" when empty
	Detail   string // JSON, optional
}

// WindowCounts summarizes recorded activity inside a trailing time window.
// Commands and events absent from the window are absent from the maps.
type WindowCounts struct {
	Interactions int64
	ByKind       map[string]int64
	Events       map[string]int64
}

// Well-known event types.
const (
	EventStarted  = "started"
	EventStopping = "stopping"
	EventReloaded = "reloaded"
	EventSnapshot = "snapshot"
)
