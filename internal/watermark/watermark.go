// Package watermark persists the "synced up to" timestamp that drives
// incremental ticket sync.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStorageUnavailable is returned when the backing store cannot be read or
// written. A failed Set is fatal to the sync attempt that issued it.
var ErrStorageUnavailable = errors.New("watermark storage unavailable")

// DefaultEpoch is used when no watermark has ever been stored.
var DefaultEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Key is the state key the ticket watermark is stored under.
const Key = "tickets.last_update_time"

// LegacyLayout is the ServiceNow display format ("2025-07-03 15:16:53").
const LegacyLayout = "2006-01-02 15:04:05"

// Store reads and writes the watermark.
//
// Implementations are not designed for concurrent writers; callers serialize
// sync runs.
type Store interface {
	// Get returns the stored watermark, or the configured default when none
	// has been stored yet.
	Get(ctx context.Context) (time.Time, error)

	// Set overwrites the watermark atomically.
	Set(ctx context.Context, t time.Time) error

	// Reset forgets the stored value so Get returns the default again.
	Reset(ctx context.Context) error
}

// Format renders t the way every backend stores it.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Parse accepts RFC 3339 timestamps and the legacy "YYYY-MM-DD HH:MM:SS"
// form. Values without a zone are taken as UTC.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(LegacyLayout, s, time.UTC); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: expected RFC 3339 or %q", s, LegacyLayout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
