// Package storage provides the append-only SQLite record of everything the
// daemon does: one row per dispatched command and one row per system event.
// Rows are never updated or deleted; id order is the order things happened.
package storage
