package watermark

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store used by tests and one-shot CLI runs.
type Memory struct {
	mu  sync.Mutex
	def time.Time
	val *time.Time

	// Err, when set, is returned by every call wrapped in ErrStorageUnavailable.
	Err error
}

func NewMemory(def time.Time) *Memory {
	return &Memory{def: def.UTC()}
}

func (m *Memory) Get(_ context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return time.Time{}, unavailable("reading watermark", m.Err)
	}
	if m.val == nil {
		return m.def, nil
	}
	return *m.val, nil
}

func (m *Memory) Set(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return unavailable("writing watermark", m.Err)
	}
	v := t.UTC()
	m.val = &v
	return nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return unavailable("resetting watermark", m.Err)
	}
	m.val = nil
	return nil
}
