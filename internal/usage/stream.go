package usage

import (
	"bytes"
	"encoding/json"
)

// StreamAccumulator collects usage from the data payloads of an SSE stream.
type StreamAccumulator interface {
	// Add is called with every `data:` payload in arrival order.
	Add(data []byte)
	// Usage returns the accumulated usage; ok is false when the stream
	// reported neither input nor output tokens.
	Usage() (u TokenUsage, ok bool)
}

// === Claude ===

type claudeStreamUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// ClaudeStream 流式 Messages：message_start 给出模型和输入，message_delta 给出输出
type ClaudeStream struct {
	usage TokenUsage
}

func (a *ClaudeStream) Add(data []byte) {
	var ev struct {
		Type    string `json:"type"`
		Message *struct {
			Model string             `json:"model"`
			Usage *claudeStreamUsage `json:"usage"`
		} `json:"message"`
		Usage *claudeStreamUsage `json:"usage"`
	}
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	switch ev.Type {
	case "message_start":
		if ev.Message == nil {
			return
		}
		a.usage.Model = ev.Message.Model
		if u := ev.Message.Usage; u != nil {
			a.usage.InputTokens = nonNeg(u.InputTokens)
			a.usage.CacheReadTokens = nonNeg(u.CacheReadInputTokens)
			a.usage.CacheCreationTokens = nonNeg(u.CacheCreationInputTokens)
		}
	case "message_delta":
		if u := ev.Usage; u != nil {
			a.usage.OutputTokens = nonNeg(u.OutputTokens)
			if a.usage.InputTokens == 0 {
				a.usage.InputTokens = nonNeg(u.InputTokens)
			}
			if a.usage.CacheReadTokens == 0 {
				a.usage.CacheReadTokens = nonNeg(u.CacheReadInputTokens)
			}
			if a.usage.CacheCreationTokens == 0 {
				a.usage.CacheCreationTokens = nonNeg(u.CacheCreationInputTokens)
			}
		}
	}
}

func (a *ClaudeStream) Usage() (TokenUsage, bool) {
	return a.usage, !a.usage.Empty()
}

// === OpenAI Chat Completions ===

// OpenAIChatStream keeps the last chunk carrying a non-null usage.
type OpenAIChatStream struct {
	usage TokenUsage
	model string
}

func (a *OpenAIChatStream) Add(data []byte) {
	var chunk struct {
		Model string           `json:"model"`
		Usage *openAIChatUsage `json:"usage"`
	}
	if json.Unmarshal(data, &chunk) != nil {
		return
	}
	if a.model == "" {
		a.model = chunk.Model
	}
	if u, ok := chunk.Usage.toTokenUsage(chunk.Model); ok {
		if u.Model == "" {
			u.Model = a.model
		}
		a.usage = u
	}
}

func (a *OpenAIChatStream) Usage() (TokenUsage, bool) {
	return a.usage, !a.usage.Empty()
}

// === Codex Responses API ===

// ResponsesStream 读取 response.completed 事件中的 usage
type ResponsesStream struct {
	usage TokenUsage
}

func (a *ResponsesStream) Add(data []byte) {
	var ev struct {
		Type     string `json:"type"`
		Response *struct {
			Model string          `json:"model"`
			Usage *responsesUsage `json:"usage"`
		} `json:"response"`
		Model string          `json:"model"`
		Usage *responsesUsage `json:"usage"`
	}
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	if ev.Response != nil {
		if u, ok := ev.Response.Usage.toTokenUsage(ev.Response.Model); ok {
			a.usage = u
		} else if a.usage.Model == "" {
			a.usage.Model = ev.Response.Model
		}
		return
	}
	if u, ok := ev.Usage.toTokenUsage(ev.Model); ok {
		a.usage = u
	}
}

func (a *ResponsesStream) Usage() (TokenUsage, bool) {
	return a.usage, !a.usage.Empty()
}

// === Gemini ===

// GeminiStream 以最后一个 chunk 的 usageMetadata 为准，模型取第一个 chunk
type GeminiStream struct {
	usage TokenUsage
	model string
}

func (a *GeminiStream) Add(data []byte) {
	var chunk struct {
		ModelVersion  string       `json:"modelVersion"`
		UsageMetadata *geminiUsage `json:"usageMetadata"`
	}
	if json.Unmarshal(data, &chunk) != nil {
		return
	}
	if a.model == "" {
		a.model = chunk.ModelVersion
	}
	if u, ok := chunk.UsageMetadata.toTokenUsage(a.model); ok {
		a.usage = u
	}
}

func (a *GeminiStream) Usage() (TokenUsage, bool) {
	return a.usage, !a.usage.Empty()
}

// maxPendingLine bounds how much of one unterminated SSE line is buffered.
const maxPendingLine = 4 << 20

// Tee is an io.Writer that receives a copy of a forwarded SSE stream and
// feeds every data payload to a StreamAccumulator. Chunk boundaries may fall
// anywhere, including inside a line.
type Tee struct {
	acc      StreamAccumulator
	pending  []byte
	skipping bool
}

// NewTee creates a Tee feeding acc.
func NewTee(acc StreamAccumulator) *Tee {
	return &Tee{acc: acc}
}

// Write never fails so it can sit behind an io.MultiWriter.
func (t *Tee) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if !t.skipping {
				t.pending = append(t.pending, p...)
				if len(t.pending) > maxPendingLine {
					t.pending = t.pending[:0]
					t.skipping = true
				}
			}
			break
		}
		if t.skipping {
			t.skipping = false
		} else {
			t.pending = append(t.pending, p[:i]...)
			t.line(t.pending)
		}
		t.pending = t.pending[:0]
		p = p[i+1:]
	}
	return n, nil
}

// Finish flushes an unterminated final line and returns the usage.
func (t *Tee) Finish() (TokenUsage, bool) {
	if len(t.pending) > 0 && !t.skipping {
		t.line(t.pending)
	}
	t.pending = t.pending[:0]
	return t.acc.Usage()
}

func (t *Tee) line(b []byte) {
	b = bytes.TrimRight(b, "\r")
	if !bytes.HasPrefix(b, []byte("data:")) {
		return
	}
	payload := bytes.TrimSpace(b[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}
	t.acc.Add(payload)
}
