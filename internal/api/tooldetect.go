package api

import (
	"net/http"
	"strings"
)

// DetectTool 从 HTTP 头识别调用工具
func DetectTool(headers http.Header) string {
	// Check specific headers first
	if v := headers.Get("X-Client-Name"); v != "" {
		return normalizeToolName(v)
	}

	ua := strings.ToLower(headers.Get("User-Agent"))
	if ua == "" {
		return "unknown"
	}

	// User-Agent patterns
	patterns := []struct {
		pattern string
		name    string
	}{
		{"claude-cli", "claude-cli"},
		{"claude-code", "claude-cli"},
		{"codex_cli_rs", "codex"},
		{"codex-cli", "codex"},
		{"codex", "codex"},
		{"geminicli", "gemini-cli"},
		{"gemini-cli", "gemini-cli"},
		{"cursor", "cursor"},
		{"openai-python", "openai-sdk"},
		{"openai-node", "openai-sdk"},
		{"anthropic-python", "anthropic-sdk"},
		{"anthropic-typescript", "anthropic-sdk"},
		{"google-genai-sdk", "genai-sdk"},
	}

	for _, p := range patterns {
		if strings.Contains(ua, p.pattern) {
			return p.name
		}
	}

	return "unknown"
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
