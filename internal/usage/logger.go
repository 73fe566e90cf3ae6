package usage

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xiaopang/aiswitch/internal/logger"
	"github.com/xiaopang/aiswitch/internal/model"
)

// ErrPersistence 用量写入或价格查询失败
var ErrPersistence = errors.New("usage persistence failed")

// Store is the persistence the usage logger needs.
type Store interface {
	GetModelPricing(modelID string) (*model.ModelPricing, error)
	InsertUsage(row *model.UsageLog) error
}

// Entry 一次请求的元数据
type Entry struct {
	ProviderID   string
	ProviderName string
	AppType      model.AppType
	Model        string
	Usage        TokenUsage
	Latency      time.Duration
	StatusCode   int
	IsStreaming  bool
	ClientTool   string
}

// Logger 计价并写入用量日志
type Logger struct {
	store   Store
	enabled atomic.Bool
	log     *logger.Logger
}

// NewLogger 创建用量记录器
func NewLogger(store Store, enabled bool) *Logger {
	l := &Logger{store: store, log: logger.Default().Named("usage")}
	l.enabled.Store(enabled)
	return l
}

// SetEnabled toggles recording.
func (l *Logger) SetEnabled(enabled bool) { l.enabled.Store(enabled) }

// Enabled reports whether rows are being recorded.
func (l *Logger) Enabled() bool { return l.enabled.Load() }

// LogUsage prices the entry and appends exactly one row.
func (l *Logger) LogUsage(e Entry) (*model.UsageLog, error) {
	// 优先使用上游返回的模型（可能与请求的模型不同）
	modelID := e.Usage.Model
	if modelID == "" {
		modelID = e.Model
	}
	if modelID == "" {
		modelID = "unknown"
	}

	pricing, err := l.store.GetModelPricing(NormalizeModelID(modelID))
	if err != nil {
		return nil, fmt.Errorf("%w: lookup pricing for %s: %v", ErrPersistence, modelID, err)
	}
	cost := CalculateCost(e.Usage, pricing)

	providerID := e.ProviderID
	if providerID == "" {
		providerID = "default"
	}

	row := &model.UsageLog{
		RequestID:            uuid.NewString(),
		ProviderID:           providerID,
		ProviderName:         e.ProviderName,
		AppType:              e.AppType,
		Model:                modelID,
		InputTokens:          e.Usage.InputTokens,
		OutputTokens:         e.Usage.OutputTokens,
		CacheReadTokens:      e.Usage.CacheReadTokens,
		CacheCreationTokens:  e.Usage.CacheCreationTokens,
		InputCostUSD:         cost.InputCost,
		OutputCostUSD:        cost.OutputCost,
		CacheReadCostUSD:     cost.CacheReadCost,
		CacheCreationCostUSD: cost.CacheCreationCost,
		TotalCostUSD:         cost.TotalCost,
		LatencyMs:            e.Latency.Milliseconds(),
		StatusCode:           e.StatusCode,
		IsStreaming:          e.IsStreaming,
		ClientTool:           e.ClientTool,
		CreatedAt:            time.Now(),
	}
	if err := l.store.InsertUsage(row); err != nil {
		return nil, fmt.Errorf("%w: insert usage: %v", ErrPersistence, err)
	}
	return row, nil
}

// Record is the best-effort variant used on the response path: failures are
// logged and dropped.
func (l *Logger) Record(e Entry) {
	if l == nil || !l.Enabled() {
		return
	}
	row, err := l.LogUsage(e)
	if err != nil {
		l.log.Warn("usage not recorded", "app", e.AppType, "model", e.Model, "error", err)
		return
	}
	l.log.Debug("usage recorded",
		"request_id", row.RequestID,
		"app", row.AppType,
		"model", row.Model,
		"input", row.InputTokens,
		"output", row.OutputTokens,
		"cost", row.TotalCostUSD.String(),
	)
}
