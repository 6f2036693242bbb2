package wal

import (
	"math/big"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
//
// Every event is idempotent: replaying an event that is already reflected
// in the latest snapshot leaves the state unchanged.
type EventType string

const (
	EventUpsert EventType = "UPSERT" // Job registered or rescheduled
	EventRemove EventType = "REMOVE" // Job cancelled or dispatched
	EventCursor EventType = "CURSOR" // Scraping cursor advanced
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64      `json:"seq"`             // Event sequence number (monotonically increasing)
	Type      EventType   `json:"type"`            // Event type
	JobID     types.JobID `json:"job_id"`          // UPSERT / REMOVE
	Param     uint64      `json:"param,omitempty"` // UPSERT
	Block     *big.Int    `json:"block,omitempty"` // CURSOR
	Timestamp int64       `json:"timestamp"`       // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`        // CRC32 checksum
}

// Upsert builds an UPSERT event
func Upsert(id types.JobID, param uint64) Event {
	return Event{Type: EventUpsert, JobID: id, Param: param}
}

// Remove builds a REMOVE event
func Remove(id types.JobID) Event {
	return Event{Type: EventRemove, JobID: id}
}

// Cursor builds a CURSOR event
func Cursor(block *big.Int) Event {
	return Event{Type: EventCursor, Block: types.CloneBig(block)}
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
