package discord

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxMessageBytes keeps each message under Discord's 2000 byte limit.
const MaxMessageBytes = 1900

var codeBlockPattern = regexp.MustCompile("(?s)```.*?```")

// SplitMessage cuts msg into parts of at most max bytes. Fenced code blocks
// are sent as their own parts; a block too large for one part is split by
// line and every piece keeps the opening and closing fences.
func SplitMessage(msg string, max int) []string {
	if max <= 0 {
		max = MaxMessageBytes
	}
	if msg == "" {
		return nil
	}
	locs := codeBlockPattern.FindAllStringIndex(msg, -1)
	if len(locs) == 0 {
		return splitPlain(msg, max)
	}

	var parts []string
	var cur string
	flush := func() {
		if t := strings.TrimSpace(cur); t != "" {
			parts = append(parts, splitPlain(t, max)...)
		}
		cur = ""
	}
	addText := func(seg string) {
		if seg == "" {
			return
		}
		if len(cur)+len(seg) <= max {
			cur += seg
			return
		}
		flush()
		cur = seg
	}

	prev := 0
	for _, loc := range locs {
		addText(msg[prev:loc[0]])
		flush()
		block := msg[loc[0]:loc[1]]
		if len(block) <= max {
			parts = append(parts, block)
		} else {
			parts = append(parts, splitCodeBlock(block, max)...)
		}
		prev = loc[1]
	}
	addText(msg[prev:])
	flush()
	return parts
}

func splitCodeBlock(block string, max int) []string {
	lines := strings.Split(block, "\n")
	if len(lines) < 3 {
		return splitWords(block, max)
	}
	open, closing := lines[0], lines[len(lines)-1]
	overhead := len(open) + len(closing) + 2

	var parts []string
	var cur []string
	size := overhead
	emit := func() {
		if len(cur) > 0 {
			parts = append(parts, open+"\n"+strings.Join(cur, "\n")+"\n"+closing)
		}
		cur, size = nil, overhead
	}
	for _, line := range lines[1 : len(lines)-1] {
		if overhead+len(line) > max {
			emit()
			for _, chunk := range splitBytes(line, max-overhead) {
				cur = []string{chunk}
				emit()
			}
			continue
		}
		if size+len(line)+1 > max && len(cur) > 0 {
			emit()
		}
		cur = append(cur, line)
		size += len(line) + 1
	}
	emit()
	return parts
}

func splitPlain(msg string, max int) []string {
	if len(msg) <= max {
		return []string{msg}
	}
	var parts []string
	cur := ""
	for _, sentence := range sentences(msg) {
		cand := sentence
		if cur != "" {
			cand = cur + " " + sentence
		}
		if len(cand) <= max {
			cur = cand
			continue
		}
		if cur != "" {
			parts = append(parts, cur)
			cur = ""
		}
		if len(sentence) > max {
			parts = append(parts, splitWords(sentence, max)...)
		} else {
			cur = sentence
		}
	}
	if cur != "" {
		parts = append(parts, cur)
	}
	return parts
}

// sentences splits after '.', '!' or '?' followed by whitespace.
func sentences(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] != '.' && s[i] != '!' && s[i] != '?' {
			continue
		}
		j := i + 1
		for j < len(s) {
			r, size := utf8.DecodeRuneInString(s[j:])
			if !unicode.IsSpace(r) {
				break
			}
			j += size
		}
		if j == i+1 || j == len(s) {
			continue
		}
		out = append(out, s[start:i+1])
		start = j
		i = j - 1
	}
	return append(out, s[start:])
}

func splitWords(text string, max int) []string {
	var parts []string
	cur := ""
	for _, w := range strings.Fields(text) {
		cand := w
		if cur != "" {
			cand = cur + " " + w
		}
		if len(cand) <= max {
			cur = cand
			continue
		}
		if cur != "" {
			parts = append(parts, cur)
			cur = ""
		}
		if len(w) <= max {
			cur = w
			continue
		}
		parts = append(parts, splitBytes(w, max)...)
	}
	if cur != "" {
		parts = append(parts, cur)
	}
	return parts
}

// splitBytes cuts s into chunks of at most max bytes on rune boundaries.
func splitBytes(s string, max int) []string {
	if max <= 0 {
		return []string{s}
	}
	var out []string
	for len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
