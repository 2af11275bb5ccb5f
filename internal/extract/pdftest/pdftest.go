// Package pdftest builds small, valid PDF files for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"strings"
)

// PageHeight is the height of the US Letter MediaBox every page uses.
const PageHeight = 792

// Line is a single text run drawn at baseline Y, measured from the bottom
// edge of the page.
type Line struct {
	Y    float64
	Text string
}

// Build returns a PDF with one page per entry in pages, each page showing its
// text in a single Helvetica run near the top margin. Text must not contain
// parentheses or backslashes.
func Build(pages ...string) []byte {
	lines := make([][]Line, len(pages))
	for i, text := range pages {
		lines[i] = []Line{{Y: 712, Text: text}}
	}
	return BuildLines(lines...)
}

// BuildLines is Build with explicit line placement, one []Line per page.
func BuildLines(pages ...[]Line) []byte {
	var objs []string
	// 1: catalog, 2: pages, 3: font, then (page, content) pairs.
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for i, lines := range pages {
		runs := make([]string, len(lines))
		for j, l := range lines {
			runs[j] = fmt.Sprintf("BT /F1 12 Tf 72 %g Td (%s) Tj ET", l.Y, l.Text)
		}
		content := strings.Join(runs, "\n")
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 %d] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", PageHeight, 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}
