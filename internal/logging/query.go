package logging

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Entry is one parsed log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Line    string    `json:"line"`
}

// Query returns the entries in dir whose time lies in [start, end] and whose
// level is one of levels (any level when levels is empty). Only daily files
// present in dir and covering the range are read; lines that do not parse are
// ignored. Entries come back in file order.
func Query(dir string, start, end time.Time, levels []string) ([]Entry, error) {
	start, end = start.UTC(), end.UTC()
	if start.After(end) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	want := map[string]bool{}
	for _, name := range levels {
		if strings.TrimSpace(name) == "" {
			continue
		}
		l, err := ParseLevel(name)
		if err != nil {
			return nil, err
		}
		want[l.String()] = true
	}

	files, err := dayFiles(dir, start, end)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, path := range files {
		found, err := scanFile(path, start, end, want)
		if err != nil {
			return nil, err
		}
		entries = append(entries, found...)
	}
	return entries, nil
}

// dayFiles lists the daily log files in dir whose day overlaps [start, end],
// oldest first. A missing dir has no files.
func dayFiles(dir string, start, end time.Time) ([]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing log directory: %w", err)
	}

	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	var files []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day, err := time.Parse(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil || day.Before(first) || day.After(end) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	// ReadDir sorts by name, and the zero-padded day layout sorts by date.
	return files, nil
}

func scanFile(path string, start, end time.Time, levels map[string]bool) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		e, ok := ParseLine(sc.Text())
		if !ok {
			continue
		}
		if e.Time.Before(start) || e.Time.After(end) {
			continue
		}
		if len(levels) > 0 && !levels[e.Level] {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return entries, nil
}

// ParseLine reads the time, level and msg fields of a text-handler line.
func ParseLine(line string) (Entry, bool) {
	e := Entry{Line: line}
	rest := line

	raw, rest, ok := field(rest, "time")
	if !ok {
		return e, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return e, false
	}
	e.Time = t.UTC()

	if e.Level, rest, ok = field(rest, "level"); !ok {
		return e, false
	}
	if msg, _, ok := field(rest, "msg"); ok {
		e.Message = msg
	}
	return e, true
}

// field consumes `key=value ` from the front of s. Quoted values are
// unquoted.
func field(s, key string) (value, rest string, ok bool) {
	s = strings.TrimLeft(s, " ")
	if !strings.HasPrefix(s, key+"=") {
		return "", s, false
	}
	s = s[len(key)+1:]
	if strings.HasPrefix(s, `"`) {
		quoted, err := strconv.QuotedPrefix(s)
		if err != nil {
			return "", s, false
		}
		v, err := strconv.Unquote(quoted)
		if err != nil {
			return "", s, false
		}
		return v, s[len(quoted):], true
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], s[i:], true
	}
	return s, "", true
}
