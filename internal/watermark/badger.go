package watermark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var _ Store = (*Badger)(nil)

// Badger keeps the watermark in a standalone BadgerDB directory, for
// deployments that do not want the watermark inside the vector database.
type Badger struct {
	db  *badger.DB
	def time.Time
}

type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, args ...any)   { l.logger.Error(fmt.Sprintf(msg, args...)) }
func (l *badgerLogger) Warningf(msg string, args ...any) { l.logger.Warn(fmt.Sprintf(msg, args...)) }
func (l *badgerLogger) Infof(msg string, args ...any)    { l.logger.Debug(fmt.Sprintf(msg, args...)) }
func (l *badgerLogger) Debugf(msg string, args ...any)   { l.logger.Debug(fmt.Sprintf(msg, args...)) }

// OpenBadger opens (or creates) a Badger database in dir. An empty dir opens
// an in-memory database.
func OpenBadger(dir string, def time.Time) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: slog.Default().With("component", "watermark-badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, unavailable("opening badger", err)
	}
	return &Badger{db: db, def: def.UTC()}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) Get(_ context.Context) (time.Time, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(Key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return b.def, nil
	}
	if err != nil {
		return time.Time{}, unavailable("reading watermark", err)
	}
	t, err := Parse(string(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("decoding stored watermark: %w", err)
	}
	return t, nil
}

func (b *Badger) Set(_ context.Context, t time.Time) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(Key), []byte(Format(t)))
	})
	if err != nil {
		return unavailable("writing watermark", err)
	}
	return nil
}

func (b *Badger) Reset(_ context.Context) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(Key))
	})
	if err != nil {
		return unavailable("resetting watermark", err)
	}
	return nil
}
