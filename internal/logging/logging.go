// Package logging installs the process-wide slog logger and reads back the
// day-partitioned log files it writes.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidLevel = errors.New("invalid log level")
	ErrInvalidRange = errors.New("start time is after end time")
)

const (
	filePrefix = "app-"
	fileSuffix = ".log"
	dayLayout  = "2006-01-02"
)

// FileName returns the log file name for the UTC day containing t.
func FileName(t time.Time) string {
	return filePrefix + t.UTC().Format(dayLayout) + fileSuffix
}

// ParseLevel maps a level name to a slog level. WARNING and CRITICAL are
// accepted as aliases for WARN and ERROR.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR", "CRITICAL":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, name)
	}
}

// Options configures Setup.
type Options struct {
	Level string
	// Dir receives app-YYYY-MM-DD.log files. Empty disables file output.
	Dir string
	// Console defaults to os.Stderr.
	Console io.Writer
}

// Setup installs a text handler writing to the console and, when Dir is set,
// to the daily log file. Close the returned closer on shutdown.
func Setup(opts Options) (io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	var out io.Writer = console
	var closer io.Closer = nopCloser{}
	if opts.Dir != "" {
		df, err := NewDailyFile(opts.Dir)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(console, df)
		closer = df
	}

	slog.SetDefault(slog.New(NewHandler(out, level)))
	return closer, nil
}

// NewHandler returns the text handler used for both console and file output.
// Timestamps are written in UTC with nanosecond precision so Query can
// compare them.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return a
		},
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// DailyFile is an io.Writer appending to <dir>/app-YYYY-MM-DD.log, switching
// files when the UTC date changes.
type DailyFile struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewDailyFile creates dir if needed.
func NewDailyFile(dir string) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &DailyFile{dir: dir, now: time.Now}, nil
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().UTC()
	day := now.Format(dayLayout)
	if d.file == nil || day != d.day {
		if d.file != nil {
			d.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(d.dir, FileName(now)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			d.file = nil
			return 0, fmt.Errorf("opening log file: %w", err)
		}
		d.file, d.day = f, day
	}
	return d.file.Write(p)
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
