// Package extract pulls plain text out of uploaded documents.
package extract

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedFormat is returned for input that is not a readable PDF.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// PageSeparator joins the text of consecutive pages.
const PageSeparator = "\n\n"

// Document is the text extracted from one file.
type Document struct {
	Text  string
	Pages int
}

// Extractor turns raw file bytes into text.
type Extractor interface {
	Extract(data []byte) (Document, error)
}

// Default header and footer bands, in points.
const (
	DefaultMarginTop    = 50
	DefaultMarginBottom = 100
)

// PDF extracts text page by page with github.com/ledongthuc/pdf. Text rows
// within MarginTop points of the top edge or MarginBottom points of the
// bottom edge are dropped. The zero value keeps every row.
type PDF struct {
	MarginTop    float64
	MarginBottom float64
}

var _ Extractor = PDF{}

// NewPDF returns a PDF extractor that clips the given header and footer bands.
func NewPDF(marginTop, marginBottom float64) PDF {
	return PDF{MarginTop: marginTop, MarginBottom: marginBottom}
}

var pdfMagic = []byte("%PDF-")

// Extract returns the text of every page joined by PageSeparator. Malformed
// input, including input that makes the parser panic, is reported as
// ErrUnsupportedFormat.
func (x PDF) Extract(data []byte) (doc Document, err error) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return Document{}, fmt.Errorf("%w: missing %%PDF header", ErrUnsupportedFormat)
	}

	defer func() {
		if r := recover(); r != nil {
			doc = Document{}
			err = fmt.Errorf("%w: parser panic: %v", ErrUnsupportedFormat, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	n := r.NumPage()
	if n == 0 {
		return Document{}, fmt.Errorf("%w: document has no pages", ErrUnsupportedFormat)
	}

	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := x.pageText(p)
		if err != nil {
			return Document{}, fmt.Errorf("%w: page %d: %v", ErrUnsupportedFormat, i, err)
		}
		pages = append(pages, strings.TrimSpace(text))
	}

	return Document{Text: strings.Join(pages, PageSeparator), Pages: n}, nil
}

func (x PDF) pageText(p pdf.Page) (string, error) {
	if x.MarginTop <= 0 && x.MarginBottom <= 0 {
		return p.GetPlainText(nil)
	}
	lo, hi, ok := mediaBox(p.V)
	if !ok {
		return p.GetPlainText(nil)
	}

	rows, err := p.GetTextByRow()
	if err != nil {
		return "", err
	}
	top, bottom := hi-x.MarginTop, lo+x.MarginBottom
	slices.SortStableFunc(rows, func(a, b *pdf.Row) int { return cmp.Compare(b.Position, a.Position) })

	var b strings.Builder
	for _, row := range rows {
		y := float64(row.Position)
		if y > top || y < bottom {
			continue
		}
		for _, t := range row.Content {
			b.WriteString(t.S)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// mediaBox returns the lower and upper y bounds of the page, following
// /Parent for an inherited MediaBox.
func mediaBox(v pdf.Value) (lo, hi float64, ok bool) {
	for depth := 0; depth < 32 && !v.IsNull(); depth++ {
		box := v.Key("MediaBox")
		if box.Kind() == pdf.Array && box.Len() == 4 {
			lo, hi = box.Index(1).Float64(), box.Index(3).Float64()
			if hi < lo {
				lo, hi = hi, lo
			}
			return lo, hi, hi > lo
		}
		v = v.Key("Parent")
	}
	return 0, 0, false
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(data []byte) (Document, error)

func (f ExtractorFunc) Extract(data []byte) (Document, error) {
	return f(data)
}
