// Package chunker splits text into overlapping fixed-size windows.
//
// Sizes and offsets are measured in Unicode code points, not bytes or model
// tokens. Offsets index into []rune(text) and are half-open: [Start, End).
package chunker

import (
	"errors"
	"fmt"
	"iter"
)

// ErrInvalidWindow is returned when overlap is negative or not smaller than
// the chunk size.
var ErrInvalidWindow = errors.New("invalid chunk window")

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Chunk is one window of a source text.
type Chunk struct {
	SequenceIndex int
	Text          string
	StartOffset   int
	EndOffset     int
}

// Len returns the chunk length in runes.
func (c Chunk) Len() int {
	return c.EndOffset - c.StartOffset
}

// Window describes a validated chunk size and overlap.
type Window struct {
	Size    int
	Overlap int
}

// NewWindow validates 0 <= overlap < size.
func NewWindow(size, overlap int) (Window, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return Window{}, fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidWindow, size, overlap)
	}
	return Window{Size: size, Overlap: overlap}, nil
}

// Step is how far each window advances.
func (w Window) Step() int {
	return w.Size - w.Overlap
}

// Count returns how many chunks a text of n runes produces.
func (w Window) Count(n int) int {
	if n == 0 {
		return 0
	}
	if n <= w.Size {
		return 1
	}
	return 1 + (n-w.Size+w.Step()-1)/w.Step()
}

// Split returns a lazy sequence of chunks over text. The sequence can be
// ranged over any number of times and yields the same chunks each time.
// Identity and metadata are attached by the caller; see ingest.Documents.
func Split(text string, size, overlap int) (iter.Seq[Chunk], error) {
	w, err := NewWindow(size, overlap)
	if err != nil {
		return nil, err
	}
	return w.Split(text), nil
}

// Split is the method form of the package-level Split for a validated window.
func (w Window) Split(text string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		runes := []rune(text)
		n := len(runes)
		if n == 0 {
			return
		}
		step := w.Step()
		for seq, start := 0, 0; ; seq, start = seq+1, start+step {
			end := min(start+w.Size, n)
			c := Chunk{
				SequenceIndex: seq,
				Text:          string(runes[start:end]),
				StartOffset:   start,
				EndOffset:     end,
			}
			if !yield(c) {
				return
			}
			if end == n {
				return
			}
		}
	}
}

// Collect drains seq into a slice.
func Collect(seq iter.Seq[Chunk]) []Chunk {
	var out []Chunk
	for c := range seq {
		out = append(out, c)
	}
	return out
}

// Reassemble rebuilds the source text from a complete, ordered chunk list by
// dropping each chunk's overlap with its predecessor.
func Reassemble(chunks []Chunk) string {
	var out []rune
	for _, c := range chunks {
		r := []rune(c.Text)
		skip := len(out) - c.StartOffset
		if skip < 0 {
			skip = 0
		}
		if skip < len(r) {
			out = append(out, r[skip:]...)
		}
	}
	return string(out)
}
