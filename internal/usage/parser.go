// Package usage extracts token usage from vendor responses, prices it and
// records one immutable row per forwarded request.
package usage

import (
	"bytes"
	"encoding/json"
)

// TokenUsage 归一化后的 token 用量
type TokenUsage struct {
	InputTokens         int64  `json:"input_tokens"`
	OutputTokens        int64  `json:"output_tokens"`
	CacheReadTokens     int64  `json:"cache_read_tokens"`
	CacheCreationTokens int64  `json:"cache_creation_tokens"`
	Model               string `json:"model,omitempty"` // 上游实际返回的模型
}

// Empty reports whether neither input nor output tokens were seen.
func (u TokenUsage) Empty() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0
}

// Parser extracts usage from a buffered response body. ok is false when the
// body carries no usage data or is not valid JSON.
type Parser func(body []byte) (u TokenUsage, ok bool)

func nonNeg(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// === Claude ===

type claudeUsage struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`
}

// ParseClaude 解析 Anthropic Messages 响应
func ParseClaude(body []byte) (TokenUsage, bool) {
	var resp struct {
		Model string       `json:"model"`
		Usage *claudeUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return TokenUsage{}, false
	}
	u := resp.Usage
	if u.InputTokens == nil || u.OutputTokens == nil {
		return TokenUsage{}, false
	}
	return TokenUsage{
		InputTokens:         nonNeg(*u.InputTokens),
		OutputTokens:        nonNeg(*u.OutputTokens),
		CacheReadTokens:     nonNeg(u.CacheReadInputTokens),
		CacheCreationTokens: nonNeg(u.CacheCreationInputTokens),
		Model:               resp.Model,
	}, true
}

// === OpenAI Chat Completions ===

type openAIChatUsage struct {
	PromptTokens        *int64 `json:"prompt_tokens"`
	CompletionTokens    *int64 `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u *openAIChatUsage) toTokenUsage(model string) (TokenUsage, bool) {
	if u == nil || u.PromptTokens == nil || u.CompletionTokens == nil {
		return TokenUsage{}, false
	}
	out := TokenUsage{
		InputTokens:  nonNeg(*u.PromptTokens),
		OutputTokens: nonNeg(*u.CompletionTokens),
		Model:        model,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = nonNeg(u.PromptTokensDetails.CachedTokens)
	}
	return out, true
}

// ParseOpenAIChat 解析 chat/completions 响应
func ParseOpenAIChat(body []byte) (TokenUsage, bool) {
	var resp struct {
		Model string           `json:"model"`
		Usage *openAIChatUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return TokenUsage{}, false
	}
	return resp.Usage.toTokenUsage(resp.Model)
}

// === Codex Responses API ===

// responsesUsage 兼容两种缓存字段位置（不同版本的 schema 不一致）
type responsesUsage struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`
	InputTokensDetails       *struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

func (u *responsesUsage) toTokenUsage(model string) (TokenUsage, bool) {
	if u == nil || u.InputTokens == nil || u.OutputTokens == nil {
		return TokenUsage{}, false
	}
	out := TokenUsage{
		InputTokens:         nonNeg(*u.InputTokens),
		OutputTokens:        nonNeg(*u.OutputTokens),
		CacheCreationTokens: nonNeg(u.CacheCreationInputTokens),
		Model:               model,
	}
	switch {
	case u.CacheReadInputTokens != nil:
		out.CacheReadTokens = nonNeg(*u.CacheReadInputTokens)
	case u.InputTokensDetails != nil:
		out.CacheReadTokens = nonNeg(u.InputTokensDetails.CachedTokens)
	}
	return out, true
}

// ParseCodexResponses 解析 /responses 响应
func ParseCodexResponses(body []byte) (TokenUsage, bool) {
	var resp struct {
		Model string          `json:"model"`
		Usage *responsesUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return TokenUsage{}, false
	}
	return resp.Usage.toTokenUsage(resp.Model)
}

// === Gemini ===

type geminiUsage struct {
	PromptTokenCount        *int64 `json:"promptTokenCount"`
	TotalTokenCount         *int64 `json:"totalTokenCount"`
	CachedContentTokenCount int64  `json:"cachedContentTokenCount"`
}

// Gemini 不直接返回输出 token，用 total - prompt 推算
func (u *geminiUsage) toTokenUsage(model string) (TokenUsage, bool) {
	if u == nil || u.PromptTokenCount == nil || u.TotalTokenCount == nil {
		return TokenUsage{}, false
	}
	prompt := nonNeg(*u.PromptTokenCount)
	return TokenUsage{
		InputTokens:     prompt,
		OutputTokens:    nonNeg(*u.TotalTokenCount - prompt),
		CacheReadTokens: nonNeg(u.CachedContentTokenCount),
		Model:           model,
	}, true
}

// geminiChunk generateContent 响应或流式数组中的一个元素
type geminiChunk struct {
	ModelVersion  string       `json:"modelVersion"`
	UsageMetadata *geminiUsage `json:"usageMetadata"`
}

// ParseGemini 解析 generateContent 响应。
// 不带 alt=sse 的 streamGenerateContent 返回 JSON 数组，取最后一个带用量的元素。
func ParseGemini(body []byte) (TokenUsage, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var chunks []geminiChunk
		if err := json.Unmarshal(trimmed, &chunks); err != nil {
			return TokenUsage{}, false
		}
		var modelVersion string
		var last *geminiUsage
		for _, ch := range chunks {
			if modelVersion == "" {
				modelVersion = ch.ModelVersion
			}
			if ch.UsageMetadata != nil {
				last = ch.UsageMetadata
			}
		}
		return last.toTokenUsage(modelVersion)
	}

	var resp geminiChunk
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return TokenUsage{}, false
	}
	return resp.UsageMetadata.toTokenUsage(resp.ModelVersion)
}
