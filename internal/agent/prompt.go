package agent

import (
	"os"
	"strings"
)

// DefaultSystemPrompt is used when no prompt file is available.
const DefaultSystemPrompt = "You are Mimi Yasomi, an AI customer support agent for Techaro's Anubis product."

// LoadSystemPrompt reads the system prompt from path, falling back to
// DefaultSystemPrompt when the file is missing or empty.
func LoadSystemPrompt(path string) string {
	if path == "" {
		return DefaultSystemPrompt
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return DefaultSystemPrompt
	}
	prompt := strings.TrimSpace(string(b))
	if prompt == "" {
		return DefaultSystemPrompt
	}
	return prompt
}
