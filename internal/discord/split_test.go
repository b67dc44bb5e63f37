package discord

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessage_Short(t *testing.T) {
	assert.Nil(t, SplitMessage("", 100))
	assert.Equal(t, []string{"hello"}, SplitMessage("hello", 100))
}

func TestSplitMessage_SentencesThenWords(t *testing.T) {
	msg := "First sentence here. Second one follows! Third?"
	parts := SplitMessage(msg, 25)
	assert.Equal(t, []string{"First sentence here.", "Second one follows!", "Third?"}, parts)

	parts = SplitMessage(strings.Repeat("abc ", 20), 10)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 10)
	}
}

func TestSplitMessage_LongWordKeepsRunes(t *testing.T) {
	parts := SplitMessage(strings.Repeat("é", 10), 5)
	require.NotEmpty(t, parts)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 5)
		assert.True(t, strings.Trim(p, "é") == "", "split inside a rune: %q", p)
	}
	assert.Equal(t, strings.Repeat("é", 10), strings.Join(parts, ""))
}

func TestSplitMessage_CodeBlocksStandAlone(t *testing.T) {
	msg := "Try this:\n```bash\nanubis --check\n```\nThen restart."
	parts := SplitMessage(msg, 1900)
	assert.Equal(t, []string{"Try this:", "```bash\nanubis --check\n```", "Then restart."}, parts)
}

func TestSplitMessage_LargeCodeBlockKeepsFences(t *testing.T) {
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "echo line-number-"+strings.Repeat("x", 10))
	}
	msg := "```sh\n" + strings.Join(lines, "\n") + "\n```"
	parts := SplitMessage(msg, 200)
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 200)
		assert.True(t, strings.HasPrefix(p, "```sh\n"))
		assert.True(t, strings.HasSuffix(p, "\n```"))
	}
}
