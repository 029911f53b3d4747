// Package session identifies one commander run. Every task attempt is
// stamped with the run ID so the per-run send budget can be counted
// from attempt history alone.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Run is one scheduler run. IDs are UUIDv7 so they sort by start time.
type Run struct {
	ID        string
	GroupID   string
	StartedAt time.Time
}

func New(groupID string, now time.Time) *Run {
	return &Run{
		ID:        uuid.Must(uuid.NewV7()).String(),
		GroupID:   groupID,
		StartedAt: now,
	}
}
