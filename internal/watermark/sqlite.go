package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/kbsync/internal/storage"
)

// StateStore is the key/value surface of storage.Store used here.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
	DeleteState(ctx context.Context, key string) error
}

var _ Store = (*SQLite)(nil)

// SQLite keeps the watermark in the sync_state table of the kbsync database.
type SQLite struct {
	state StateStore
	def   time.Time
}

func NewSQLite(state StateStore, def time.Time) *SQLite {
	return &SQLite{state: state, def: def.UTC()}
}

func (s *SQLite) Get(ctx context.Context) (time.Time, error) {
	raw, err := s.state.GetState(ctx, Key)
	if errors.Is(err, storage.ErrNotFound) {
		return s.def, nil
	}
	if err != nil {
		return time.Time{}, unavailable("reading watermark", err)
	}
	t, err := Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("decoding stored watermark: %w", err)
	}
	return t, nil
}

func (s *SQLite) Set(ctx context.Context, t time.Time) error {
	if err := s.state.SetState(ctx, Key, Format(t)); err != nil {
		return unavailable("writing watermark", err)
	}
	return nil
}

func (s *SQLite) Reset(ctx context.Context) error {
	if err := s.state.DeleteState(ctx, Key); err != nil {
		return unavailable("resetting watermark", err)
	}
	return nil
}
