package usage

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xiaopang/aiswitch/internal/model"
)

var million = decimal.NewFromInt(1_000_000)

// CostBreakdown 成本明细（美元），全部使用十进制运算
type CostBreakdown struct {
	InputCost         decimal.Decimal `json:"input_cost"`
	OutputCost        decimal.Decimal `json:"output_cost"`
	CacheReadCost     decimal.Decimal `json:"cache_read_cost"`
	CacheCreationCost decimal.Decimal `json:"cache_creation_cost"`
	TotalCost         decimal.Decimal `json:"total_cost"`
}

func zeroCost() CostBreakdown {
	return CostBreakdown{
		InputCost:         decimal.Zero,
		OutputCost:        decimal.Zero,
		CacheReadCost:     decimal.Zero,
		CacheCreationCost: decimal.Zero,
		TotalCost:         decimal.Zero,
	}
}

// NormalizeModelID maps vendor naming variants onto one pricing key:
// "anthropic/claude-sonnet-4-5:beta" and "claude-sonnet-4-5" resolve alike,
// and "claude-3-5-sonnet@20241022" becomes "claude-3-5-sonnet-20241022".
func NormalizeModelID(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	if i := strings.Index(id, ":"); i >= 0 {
		id = id[:i]
	}
	return strings.ReplaceAll(strings.TrimSpace(id), "@", "-")
}

// CalculateCost 计算成本；pricing 为 nil 时全部为 0
//
// 输入 token 需要扣除 cache_read（缓存部分单独计费，避免重复计费）。
func CalculateCost(u TokenUsage, pricing *model.ModelPricing) CostBreakdown {
	if pricing == nil {
		return zeroCost()
	}

	billableInput := u.InputTokens - u.CacheReadTokens
	if billableInput < 0 {
		billableInput = 0
	}

	c := CostBreakdown{
		InputCost:         perMillion(billableInput, pricing.InputCostPerMillion),
		OutputCost:        perMillion(u.OutputTokens, pricing.OutputCostPerMillion),
		CacheReadCost:     perMillion(u.CacheReadTokens, pricing.CacheReadCostPerMillion),
		CacheCreationCost: perMillion(u.CacheCreationTokens, pricing.CacheCreationCostPerMillion),
	}
	c.TotalCost = c.InputCost.Add(c.OutputCost).Add(c.CacheReadCost).Add(c.CacheCreationCost)
	return c
}

func perMillion(tokens int64, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(nonNeg(tokens)).Mul(rate).Div(million)
}

func price(id, name, input, output, cacheRead, cacheCreation string) model.ModelPricing {
	return model.ModelPricing{
		ModelID:                     id,
		DisplayName:                 name,
		InputCostPerMillion:         decimal.RequireFromString(input),
		OutputCostPerMillion:        decimal.RequireFromString(output),
		CacheReadCostPerMillion:     decimal.RequireFromString(cacheRead),
		CacheCreationCostPerMillion: decimal.RequireFromString(cacheCreation),
	}
}

// DefaultPricing 内置价格表（首次建库时写入 model_pricing）
func DefaultPricing() []model.ModelPricing {
	return []model.ModelPricing{
		// Claude
		price("claude-opus-4-5-20251101", "Claude Opus 4.5", "5", "25", "0.5", "6.25"),
		price("claude-opus-4-5", "Claude Opus 4.5", "5", "25", "0.5", "6.25"),
		price("claude-opus-4-1-20250805", "Claude Opus 4.1", "15", "75", "1.5", "18.75"),
		price("claude-opus-4-1", "Claude Opus 4.1", "15", "75", "1.5", "18.75"),
		price("claude-opus-4-20250514", "Claude Opus 4", "15", "75", "1.5", "18.75"),
		price("claude-3-opus-20240229", "Claude 3 Opus", "15", "75", "1.5", "18.75"),
		price("claude-sonnet-4-5-20250929", "Claude Sonnet 4.5", "3", "15", "0.3", "3.75"),
		price("claude-sonnet-4-5", "Claude Sonnet 4.5", "3", "15", "0.3", "3.75"),
		price("claude-sonnet-4-20250514", "Claude Sonnet 4", "3", "15", "0.3", "3.75"),
		price("claude-3-7-sonnet-20250219", "Claude Sonnet 3.7", "3", "15", "0.3", "3.75"),
		price("claude-3-5-sonnet-20241022", "Claude Sonnet 3.5", "3", "15", "0.3", "3.75"),
		price("claude-haiku-4-5-20251001", "Claude Haiku 4.5", "1", "5", "0.1", "1.25"),
		price("claude-haiku-4-5", "Claude Haiku 4.5", "1", "5", "0.1", "1.25"),
		price("claude-3-5-haiku-20241022", "Claude Haiku 3.5", "0.8", "4", "0.08", "1"),
		price("claude-3-haiku-20240307", "Claude Haiku 3", "0.25", "1.25", "0.03", "0.3"),

		// OpenAI / Codex
		price("gpt-5", "GPT-5", "1.25", "10", "0.125", "0"),
		price("gpt-5-codex", "GPT-5 Codex", "1.25", "10", "0.125", "0"),
		price("gpt-5-mini", "GPT-5 mini", "0.25", "2", "0.025", "0"),
		price("gpt-4.1", "GPT-4.1", "2", "8", "0.5", "0"),
		price("gpt-4o", "GPT-4o", "2.5", "10", "1.25", "0"),
		price("gpt-4o-mini", "GPT-4o mini", "0.15", "0.6", "0.075", "0"),
		price("o3", "o3", "2", "8", "0.5", "0"),
		price("o4-mini", "o4-mini", "1.1", "4.4", "0.275", "0"),

		// Gemini
		price("gemini-2.5-pro", "Gemini 2.5 Pro", "1.25", "10", "0.31", "0"),
		price("gemini-2.5-flash", "Gemini 2.5 Flash", "0.3", "2.5", "0.075", "0"),
		price("gemini-2.0-flash", "Gemini 2.0 Flash", "0.1", "0.4", "0.025", "0"),
	}
}
