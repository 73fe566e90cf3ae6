package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageLog 一次转发请求的用量记录（写入后不可修改）
type UsageLog struct {
	RequestID    string  `json:"request_id"`
	ProviderID   string  `json:"provider_id"`
	ProviderName string  `json:"provider_name,omitempty"`
	AppType      AppType `json:"app_type"`
	Model        string  `json:"model"`

	// Token 统计
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`

	// 成本（美元）
	InputCostUSD         decimal.Decimal `json:"input_cost_usd"`
	OutputCostUSD        decimal.Decimal `json:"output_cost_usd"`
	CacheReadCostUSD     decimal.Decimal `json:"cache_read_cost_usd"`
	CacheCreationCostUSD decimal.Decimal `json:"cache_creation_cost_usd"`
	TotalCostUSD         decimal.Decimal `json:"total_cost_usd"`

	// 响应信息
	LatencyMs   int64     `json:"latency_ms"`
	StatusCode  int       `json:"status_code"`
	IsStreaming bool      `json:"is_streaming"`
	ClientTool  string    `json:"client_tool,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UsageSummary 用量汇总
type UsageSummary struct {
	TotalRequests            int64           `json:"total_requests"`
	SuccessRequests          int64           `json:"success_requests"`
	SuccessRate              float64         `json:"success_rate"`
	TotalCost                decimal.Decimal `json:"total_cost"`
	TotalInputTokens         int64           `json:"total_input_tokens"`
	TotalOutputTokens        int64           `json:"total_output_tokens"`
	TotalCacheReadTokens     int64           `json:"total_cache_read_tokens"`
	TotalCacheCreationTokens int64           `json:"total_cache_creation_tokens"`
}

// UsageTrend 按时间桶的用量
type UsageTrend struct {
	Label        string          `json:"label"` // "15:00" 或 "10/19"
	Timestamp    int64           `json:"timestamp"`
	Requests     int64           `json:"requests"`
	Cost         decimal.Decimal `json:"cost"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Tokens       int64           `json:"tokens"`
}

// ModelUsage 单个模型在某个时间桶内的用量
type ModelUsage struct {
	Model    string          `json:"model"`
	Requests int64           `json:"requests"`
	Cost     decimal.Decimal `json:"cost"`
	Tokens   int64           `json:"tokens"`
}

// ModelTrend 按模型拆分的时间桶（堆叠图使用）
type ModelTrend struct {
	Label     string       `json:"label"`
	Timestamp int64        `json:"timestamp"`
	Models    []ModelUsage `json:"models"`
}

// ProviderStats 服务商统计
type ProviderStats struct {
	ProviderID   string          `json:"provider_id"`
	ProviderName string          `json:"provider_name"`
	Requests     int64           `json:"requests"`
	SuccessRate  float64         `json:"success_rate"`
	TotalTokens  int64           `json:"total_tokens"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	AvgLatencyMs float64         `json:"avg_latency_ms"`
}

// UsageQuery 用量日志查询参数
type UsageQuery struct {
	AppType    string `form:"app_type"`
	ProviderID string `form:"provider_id"`
	Model      string `form:"model"`
	Start      int64  `form:"start"` // unix 秒
	End        int64  `form:"end"`
	Limit      int    `form:"limit"`
	Offset     int    `form:"offset"`
}
