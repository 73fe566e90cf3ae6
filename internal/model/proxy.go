package model

import (
	"fmt"
	"strings"
	"time"
)

// AppType 被接管的 CLI 工具类型
type AppType string

const (
	AppClaude AppType = "claude"
	AppCodex  AppType = "codex"
	AppGemini AppType = "gemini"
)

// AllAppTypes 返回所有支持的应用
func AllAppTypes() []AppType {
	return []AppType{AppClaude, AppCodex, AppGemini}
}

// ParseAppType 解析应用类型（忽略大小写）
func ParseAppType(s string) (AppType, error) {
	switch AppType(strings.ToLower(strings.TrimSpace(s))) {
	case AppClaude:
		return AppClaude, nil
	case AppCodex:
		return AppCodex, nil
	case AppGemini:
		return AppGemini, nil
	}
	return "", fmt.Errorf("unknown app type %q", s)
}

func (a AppType) String() string { return string(a) }

// ProxyConfig 启动一个代理实例所用的配置快照
type ProxyConfig struct {
	ListenAddress string `json:"listen_address"`
	ListenPort    int    `json:"listen_port"`
	EnableLogging bool   `json:"enable_logging"`
}

// ProxyStatus 代理运行状态
type ProxyStatus struct {
	Running         bool   `json:"running"`
	Address         string `json:"address"`
	Port            int    `json:"port"`
	TotalRequests   uint64 `json:"total_requests"`
	SuccessRequests uint64 `json:"success_requests"`
	FailedRequests  uint64 `json:"failed_requests"`
	UptimeSeconds   uint64 `json:"uptime_seconds"`
}

// ProxyServerInfo 启动成功后返回的信息
type ProxyServerInfo struct {
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// ProxySettings 持久化的代理设置
type ProxySettings struct {
	ProxyEnabled   bool   `json:"proxy_enabled"`
	ListenAddress  string `json:"listen_address"`
	ListenPort     int    `json:"listen_port"`
	TakeoverClaude bool   `json:"takeover_claude"`
	TakeoverCodex  bool   `json:"takeover_codex"`
	TakeoverGemini bool   `json:"takeover_gemini"`
}

// Takeover reports the persisted takeover flag for app.
func (s *ProxySettings) Takeover(app AppType) bool {
	switch app {
	case AppClaude:
		return s.TakeoverClaude
	case AppCodex:
		return s.TakeoverCodex
	case AppGemini:
		return s.TakeoverGemini
	}
	return false
}

// SetTakeover updates the takeover flag for app.
func (s *ProxySettings) SetTakeover(app AppType, enabled bool) {
	switch app {
	case AppClaude:
		s.TakeoverClaude = enabled
	case AppCodex:
		s.TakeoverCodex = enabled
	case AppGemini:
		s.TakeoverGemini = enabled
	}
}

// AnyTakeover reports whether at least one app is taken over.
func (s *ProxySettings) AnyTakeover() bool {
	return s.TakeoverClaude || s.TakeoverCodex || s.TakeoverGemini
}

// TakeoverStatus 各应用接管状态
type TakeoverStatus struct {
	Claude bool `json:"claude"`
	Codex  bool `json:"codex"`
	Gemini bool `json:"gemini"`
}
