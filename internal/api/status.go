package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/aiswitch/internal/model"
)

// StatusFunc 返回当前代理状态快照
type StatusFunc func() model.ProxyStatus

// StatusHandler 健康检查与状态
type StatusHandler struct {
	status StatusFunc
}

// NewStatusHandler 创建状态处理器
func NewStatusHandler(status StatusFunc) *StatusHandler {
	return &StatusHandler{status: status}
}

// Health 存活检查
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Status 当前 ProxyStatus
func (h *StatusHandler) Status(c *gin.Context) {
	if h.status == nil {
		c.JSON(200, model.ProxyStatus{})
		return
	}
	c.JSON(200, h.status())
}
