package search

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// section is one heading-delimited chunk of a markdown document. Index counts
// every chunk, including the heading-only ones that are not indexed.
type section struct {
	Index   int
	Heading string
	Text    string
}

// splitSections cuts source at each top-level heading. Text before the first
// heading forms its own section. Headings inside code blocks, lists or quotes
// do not split.
func splitSections(source []byte) []section {
	doc := markdown.Parser().Parse(text.NewReader(source))

	type cut struct {
		offset  int
		heading string
	}
	var cuts []cut
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		start := h.Lines().At(0).Start
		lineStart := bytes.LastIndexByte(source[:start], '\n') + 1
		cuts = append(cuts, cut{offset: lineStart, heading: headingText(h, source)})
	}

	var chunks []section
	add := func(heading string, body []byte) {
		t := strings.TrimSpace(string(body))
		if t == "" {
			return
		}
		chunks = append(chunks, section{Heading: heading, Text: t})
	}
	prev := 0
	heading := ""
	for _, c := range cuts {
		add(heading, source[prev:c.offset])
		prev, heading = c.offset, c.heading
	}
	add(heading, source[prev:])

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// headingOnly reports whether s has no content beyond its heading line.
func (s section) headingOnly() bool {
	if s.Heading == "" {
		return false
	}
	lines := 0
	for _, l := range strings.Split(s.Text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines++
		}
	}
	return lines <= 1 || (lines == 2 && isSetextUnderline(s.Text))
}

func isSetextUnderline(t string) bool {
	last := strings.TrimSpace(t[strings.LastIndexByte(t, '\n')+1:])
	return last != "" && (strings.Trim(last, "=") == "" || strings.Trim(last, "-") == "")
}

func headingText(h *ast.Heading, source []byte) string {
	var b strings.Builder
	lines := h.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return strings.TrimSpace(b.String())
}
