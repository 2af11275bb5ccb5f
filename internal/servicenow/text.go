package servicenow

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// codeTags wrap raw HTML inside journal and text fields.
var codeTags = strings.NewReplacer("[code]", "", "[/code]", "")

var blankLines = regexp.MustCompile(`\n{3,}`)

// blockElements start a new line in the plain-text rendering.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Br: true, atom.Div: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Pre: true, atom.Blockquote: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
}

// plainText renders field values that may carry HTML as plain text. Values
// without markup are only trimmed.
func plainText(s string) string {
	s = codeTags.Replace(s)
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			out := blankLines.ReplaceAllString(b.String(), "\n\n")
			return strings.TrimSpace(out)
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch {
			case tok.DataAtom == atom.Script || tok.DataAtom == atom.Style:
				skip++
			case blockElements[tok.DataAtom]:
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			tok := z.Token()
			switch {
			case tok.DataAtom == atom.Script || tok.DataAtom == atom.Style:
				if skip > 0 {
					skip--
				}
			case blockElements[tok.DataAtom]:
				b.WriteByte('\n')
			}
		}
	}
}
