package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaopang/aiswitch/internal/logger"
	"github.com/xiaopang/aiswitch/internal/model"
)

// RequestIDKey gin context 中请求 ID 的键
const RequestIDKey = "request_id"

// MaxBodyBytes 单个请求体上限（200 MiB）
const MaxBodyBytes int64 = 200 << 20

var httpLog = logger.Default().Named("http")

// RequestIDMiddleware 为每个请求分配 ID，沿用调用方传入的 X-Request-ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// CORSMiddleware 宽松 CORS：仅监听回环地址，任意来源均放行
func CORSMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"*"},
		ExposeHeaders:   []string{"X-Request-ID"},
		MaxAge:          24 * time.Hour,
	}
	return cors.New(cfg)
}

// BodyLimitMiddleware 限制请求体大小，超出时返回 413
func BodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, model.NewError(
				fmt.Sprintf("request body exceeds %d bytes", limit),
				"invalid_request_error", "body_too_large"))
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// isBodyTooLarge 判断读取请求体的错误是否来自大小限制
func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				httpLog.Error("panic recovered",
					"request_id", requestIDFromContext(c),
					"path", c.Request.URL.Path,
					"panic", fmt.Sprint(err),
				)
				c.AbortWithStatusJSON(500, model.NewError("Internal server error", "internal_error", "internal_error"))
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		kvs := []any{
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"method", c.Request.Method,
			"path", path,
			"request_id", requestIDFromContext(c),
		}
		if c.Writer.Status() >= 500 {
			httpLog.Warn("request", kvs...)
			return
		}
		httpLog.Info("request", kvs...)
	}
}

// requestIDFromContext gets request id from gin context (if present).
func requestIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(RequestIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SetupRouter 设置路由
func SetupRouter(proxy *ProxyHandler, status *StatusHandler, usageAPI *UsageHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(BodyLimitMiddleware(MaxBodyBytes))

	r.GET("/health", status.Health)
	r.GET("/status", status.Status)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Claude
	r.POST("/v1/messages", proxy.Claude)
	r.POST("/claude/v1/messages", proxy.Claude)

	// Codex
	r.POST("/v1/chat/completions", proxy.CodexChat)
	r.POST("/codex/v1/chat/completions", proxy.CodexChat)
	r.POST("/v1/responses", proxy.CodexResponses)
	r.POST("/codex/v1/responses", proxy.CodexResponses)

	// Gemini
	r.POST("/v1beta/*path", proxy.Gemini)
	r.POST("/gemini/v1beta/*path", proxy.Gemini)

	// 用量查询（仅本地访问）
	if usageAPI != nil {
		api := r.Group("/api")
		{
			api.GET("/usage/logs", usageAPI.GetLogs)
			api.GET("/usage/summary", usageAPI.GetSummary)
			api.GET("/usage/trend", usageAPI.GetTrend)
			api.GET("/usage/trend/models", usageAPI.GetModelTrend)
			api.GET("/usage/providers", usageAPI.GetProviders)
			api.DELETE("/usage", usageAPI.ClearUsage)
			api.GET("/pricing", usageAPI.ListPricing)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(404, model.NewError("not found: "+c.Request.URL.Path, "invalid_request_error", "not_found"))
	})

	return r
}
