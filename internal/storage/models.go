package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// IngestedDocument records one successfully ingested upload.
type IngestedDocument struct {
	SourceID   string
	Filename   string
	ChunkCount int
	CharCount  int
	IngestedAt time.Time
}

type SyncRun struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    time.Time
	Status        string // "completed", "failed"
	TicketsSynced int
	WatermarkFrom time.Time
	WatermarkTo   time.Time
	LastError     string
}
