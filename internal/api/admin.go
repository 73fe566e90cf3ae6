package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/aiswitch/internal/model"
	"github.com/xiaopang/aiswitch/internal/store"
)

// UsageHandler 用量与价格查询 API
type UsageHandler struct {
	store *store.Store
	now   func() time.Time
}

// NewUsageHandler 创建用量处理器
func NewUsageHandler(store *store.Store) *UsageHandler {
	return &UsageHandler{store: store, now: time.Now}
}

// periodQuery 解析 ?period=，返回起止时间
func (h *UsageHandler) periodQuery(c *gin.Context) (model.Period, time.Time, time.Time, bool) {
	period, err := model.ParsePeriod(c.Query("period"))
	if err != nil {
		c.JSON(400, model.NewError(err.Error(), "invalid_request_error", "invalid_period"))
		return "", time.Time{}, time.Time{}, false
	}
	now := h.now()
	start, _ := period.Since(now)
	return period, start, now, true
}

func internalError(c *gin.Context, err error) {
	c.JSON(500, model.NewError(err.Error(), "internal_error", ""))
}

// === 日志 ===

// GetLogs 获取用量日志
func (h *UsageHandler) GetLogs(c *gin.Context) {
	var query model.UsageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(400, model.NewError("Invalid query: "+err.Error(), "invalid_request_error", ""))
		return
	}

	logs, err := h.store.QueryUsage(&query)
	if err != nil {
		internalError(c, err)
		return
	}
	if logs == nil {
		logs = []*model.UsageLog{}
	}

	c.JSON(200, gin.H{"data": logs})
}

// ClearUsage 清空用量日志
func (h *UsageHandler) ClearUsage(c *gin.Context) {
	n, err := h.store.ClearUsage()
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"deleted": n})
}

// === 统计 ===

// GetSummary 汇总
func (h *UsageHandler) GetSummary(c *gin.Context) {
	period, start, end, ok := h.periodQuery(c)
	if !ok {
		return
	}
	summary, err := h.store.GetUsageSummary(start, end)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"period": period, "data": summary})
}

// GetTrend 趋势
func (h *UsageHandler) GetTrend(c *gin.Context) {
	period, _, end, ok := h.periodQuery(c)
	if !ok {
		return
	}
	trend, err := h.store.GetUsageTrend(period, end, c.Query("provider_id"))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"period": period, "data": trend})
}

// GetModelTrend 按模型拆分的趋势
func (h *UsageHandler) GetModelTrend(c *gin.Context) {
	period, _, end, ok := h.periodQuery(c)
	if !ok {
		return
	}
	trend, err := h.store.GetUsageTrendByModel(period, end, c.Query("provider_id"))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"period": period, "data": trend})
}

// GetProviders 服务商统计
func (h *UsageHandler) GetProviders(c *gin.Context) {
	period, start, end, ok := h.periodQuery(c)
	if !ok {
		return
	}
	stats, err := h.store.GetProviderStats(start, end)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"period": period, "data": stats})
}

// === 价格 ===

// ListPricing 价格表
func (h *UsageHandler) ListPricing(c *gin.Context) {
	prices, err := h.store.ListModelPricing()
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(200, gin.H{"data": prices})
}
