package search

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"
)

// htmlSection extracts the readable article of an HTML page. It returns nil
// when the page has no text.
func htmlSection(filePath string, source []byte) (*section, error) {
	pageURL := &url.URL{Scheme: "file", Path: "/" + filePath}
	article, err := readability.FromReader(bytes.NewReader(source), pageURL)
	if err != nil {
		return nil, fmt.Errorf("search: parse %s: %w", filePath, err)
	}

	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return nil, fmt.Errorf("search: render %s: %w", filePath, err)
	}
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return nil, nil
	}
	return &section{Index: 0, Heading: strings.TrimSpace(article.Title()), Text: text}, nil
}
