package usage

import (
	"strings"
	"testing"
)

// feed writes s into a Tee in fixed-size chunks so that lines are split
// across writes.
func feed(t *testing.T, acc StreamAccumulator, s string, chunk int) (TokenUsage, bool) {
	t.Helper()
	tee := NewTee(acc)
	for len(s) > 0 {
		n := chunk
		if n > len(s) {
			n = len(s)
		}
		if _, err := tee.Write([]byte(s[:n])); err != nil {
			t.Fatalf("write: %v", err)
		}
		s = s[n:]
	}
	return tee.Finish()
}

const claudeSSE = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-haiku-4-5","usage":{"input_tokens":25,"output_tokens":1,"cache_read_input_tokens":10}}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":15}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n"

func TestClaudeStream(t *testing.T) {
	for _, chunk := range []int{1, 7, 64, len(claudeSSE)} {
		u, ok := feed(t, &ClaudeStream{}, claudeSSE, chunk)
		if !ok {
			t.Fatalf("chunk=%d: expected usage", chunk)
		}
		want := TokenUsage{InputTokens: 25, OutputTokens: 15, CacheReadTokens: 10, Model: "claude-haiku-4-5"}
		if u != want {
			t.Errorf("chunk=%d: got %+v, want %+v", chunk, u, want)
		}
	}
}

func TestClaudeStream_InputFromDelta(t *testing.T) {
	s := `data: {"type":"message_start","message":{"model":"claude-x","usage":{"input_tokens":0}}}` + "\n" +
		`data: {"type":"message_delta","usage":{"input_tokens":40,"output_tokens":3}}` + "\n"
	u, ok := feed(t, &ClaudeStream{}, s, 5)
	if !ok {
		t.Fatal("expected usage")
	}
	if u.InputTokens != 40 || u.OutputTokens != 3 {
		t.Errorf("got %+v", u)
	}
}

func TestOpenAIChatStream_LastUsageWins(t *testing.T) {
	s := `data: {"model":"gpt-4o","choices":[{"delta":{"content":"a"}}],"usage":null}` + "\r\n\r\n" +
		`data: {"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4}}` + "\r\n\r\n" +
		"data: [DONE]\r\n\r\n"
	u, ok := feed(t, &OpenAIChatStream{}, s, 11)
	if !ok {
		t.Fatal("expected usage")
	}
	want := TokenUsage{InputTokens: 9, OutputTokens: 4, Model: "gpt-4o"}
	if u != want {
		t.Errorf("got %+v, want %+v", u, want)
	}
}

func TestResponsesStream_Completed(t *testing.T) {
	s := "event: response.created\n" +
		`data: {"type":"response.created","response":{"model":"gpt-5-codex","usage":null}}` + "\n\n" +
		"event: response.completed\n" +
		`data: {"type":"response.completed","response":{"model":"gpt-5-codex","usage":{"input_tokens":70,"output_tokens":8,"input_tokens_details":{"cached_tokens":64}}}}` + "\n\n"
	u, ok := feed(t, &ResponsesStream{}, s, 3)
	if !ok {
		t.Fatal("expected usage")
	}
	want := TokenUsage{InputTokens: 70, OutputTokens: 8, CacheReadTokens: 64, Model: "gpt-5-codex"}
	if u != want {
		t.Errorf("got %+v, want %+v", u, want)
	}
}

func TestGeminiStream_LastChunk(t *testing.T) {
	s := `data: {"candidates":[],"usageMetadata":{"promptTokenCount":10,"totalTokenCount":12},"modelVersion":"gemini-2.5-flash"}` + "\n\n" +
		`data: {"candidates":[],"usageMetadata":{"promptTokenCount":10,"totalTokenCount":30}}` + "\n\n"
	u, ok := feed(t, &GeminiStream{}, s, 16)
	if !ok {
		t.Fatal("expected usage")
	}
	want := TokenUsage{InputTokens: 10, OutputTokens: 20, Model: "gemini-2.5-flash"}
	if u != want {
		t.Errorf("got %+v, want %+v", u, want)
	}
}

func TestStream_NoUsage(t *testing.T) {
	accs := map[string]StreamAccumulator{
		"claude":    &ClaudeStream{},
		"openai":    &OpenAIChatStream{},
		"responses": &ResponsesStream{},
		"gemini":    &GeminiStream{},
	}
	s := "data: {\"hello\":1}\n\ndata: garbage\n\n: comment\n\n"
	for name, acc := range accs {
		if u, ok := feed(t, acc, s, 4); ok {
			t.Errorf("%s: got %+v, want no usage", name, u)
		}
	}
}

func TestTee_UnterminatedFinalLine(t *testing.T) {
	s := `data: {"choices":[],"usage":{"prompt_tokens":2,"completion_tokens":1}}`
	u, ok := feed(t, &OpenAIChatStream{}, s, 8)
	if !ok || u.InputTokens != 2 {
		t.Errorf("got %+v ok=%v", u, ok)
	}
}

func TestTee_OversizedLineSkipped(t *testing.T) {
	huge := "data: " + strings.Repeat("x", maxPendingLine+10) + "\n"
	s := huge + `data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2}}` + "\n"
	u, ok := feed(t, &OpenAIChatStream{}, s, 1<<16)
	if !ok || u.InputTokens != 3 || u.OutputTokens != 2 {
		t.Errorf("got %+v ok=%v", u, ok)
	}
}
