package model

import "github.com/shopspring/decimal"

// ModelPricing 模型单价（美元 / 百万 token）
type ModelPricing struct {
	ModelID                     string          `json:"model_id"`
	DisplayName                 string          `json:"display_name,omitempty"`
	InputCostPerMillion         decimal.Decimal `json:"input_cost_per_million"`
	OutputCostPerMillion        decimal.Decimal `json:"output_cost_per_million"`
	CacheReadCostPerMillion     decimal.Decimal `json:"cache_read_cost_per_million"`
	CacheCreationCostPerMillion decimal.Decimal `json:"cache_creation_cost_per_million"`
}
