package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/aiswitch/internal/config"
	"github.com/xiaopang/aiswitch/internal/model"
	"github.com/xiaopang/aiswitch/internal/usage"
)

// AnthropicVersion 转发到 Claude 时固定携带的 API 版本
const AnthropicVersion = "2023-06-01"

// 转发时不透传的请求头（小写）
var hopHeaders = []string{
	"host",
	"content-length",
	"connection",
	"keep-alive",
	"proxy-connection",
	"proxy-authorization",
	"te",
	"trailer",
	"transfer-encoding",
	"upgrade",
	// 由 Go transport 自行协商并透明解压，否则无法解析用量
	"accept-encoding",
	// 仅供本代理使用
	"x-base-url",
	"x-provider-id",
	"x-provider-name",
}

// vendor 描述一种上游协议的差异部分
type vendor struct {
	app         model.AppType
	defaultBase string
	// credential 读取调用方提供的上游凭据
	credential func(c *gin.Context) string
	// strip 额外移除的请求头，避免与新设置的凭据冲突
	strip []string
	// authorize 在出站请求上写入凭据
	authorize func(out *http.Request, key string)
	parse     usage.Parser
	newStream func() usage.StreamAccumulator
}

// target 一次转发的路由相关参数
type target struct {
	// path 拼接在 base URL 之后
	path   string
	query  url.Values
	model  string
	stream bool
	// jsonArray 流式响应是 JSON 数组而不是 SSE（Gemini 未带 alt=sse）
	jsonArray bool
}

func newClaudeVendor(cfg config.UpstreamConfig) *vendor {
	return &vendor{
		app:         model.AppClaude,
		defaultBase: cfg.ClaudeBaseURL,
		credential: func(c *gin.Context) string {
			if key := strings.TrimSpace(c.GetHeader("x-api-key")); key != "" {
				return key
			}
			return bearerToken(c.GetHeader("Authorization"))
		},
		strip: []string{"x-api-key", "authorization"},
		authorize: func(out *http.Request, key string) {
			out.Header.Set("x-api-key", key)
			out.Header.Set("anthropic-version", AnthropicVersion)
		},
		parse:     usage.ParseClaude,
		newStream: func() usage.StreamAccumulator { return &usage.ClaudeStream{} },
	}
}

func newCodexChatVendor(cfg config.UpstreamConfig) *vendor {
	return &vendor{
		app:         model.AppCodex,
		defaultBase: cfg.OpenAIBaseURL,
		credential: func(c *gin.Context) string {
			return bearerToken(c.GetHeader("Authorization"))
		},
		strip:     []string{"authorization"},
		authorize: setBearer,
		parse:     usage.ParseOpenAIChat,
		newStream: func() usage.StreamAccumulator { return &usage.OpenAIChatStream{} },
	}
}

func newCodexResponsesVendor(cfg config.UpstreamConfig) *vendor {
	v := newCodexChatVendor(cfg)
	v.parse = usage.ParseCodexResponses
	v.newStream = func() usage.StreamAccumulator { return &usage.ResponsesStream{} }
	return v
}

func newGeminiVendor(cfg config.UpstreamConfig) *vendor {
	return &vendor{
		app:         model.AppGemini,
		defaultBase: cfg.GeminiBaseURL,
		credential: func(c *gin.Context) string {
			if key := strings.TrimSpace(c.GetHeader("x-goog-api-key")); key != "" {
				return key
			}
			return strings.TrimSpace(c.Query("key"))
		},
		strip: []string{"x-goog-api-key", "authorization"},
		// 凭据通过 query 参数传递，见 geminiTarget
		authorize: func(*http.Request, string) {},
		parse:     usage.ParseGemini,
		newStream: func() usage.StreamAccumulator { return &usage.GeminiStream{} },
	}
}

func setBearer(out *http.Request, key string) {
	out.Header.Set("Authorization", "Bearer "+key)
}

// bearerToken 去掉 Bearer 前缀；没有前缀时原样返回
func bearerToken(auth string) string {
	parts := strings.Fields(auth)
	if len(parts) == 0 {
		return ""
	}
	if strings.EqualFold(parts[0], "bearer") {
		if len(parts) > 1 {
			return parts[1]
		}
		return ""
	}
	return strings.TrimSpace(auth)
}

// geminiTarget 解析 Gemini 路径，如 models/gemini-2.5-pro:streamGenerateContent
func geminiTarget(c *gin.Context, key string) target {
	path := strings.TrimPrefix(c.Param("path"), "/")

	query := url.Values{}
	for k, vs := range c.Request.URL.Query() {
		if k == "key" {
			continue
		}
		query[k] = vs
	}
	query.Set("key", key)

	method := ""
	modelName := ""
	if rest, ok := strings.CutPrefix(path, "models/"); ok {
		modelName, method, _ = strings.Cut(rest, ":")
		if i := strings.IndexByte(modelName, '/'); i >= 0 {
			modelName = modelName[:i]
		}
	}

	sse := query.Get("alt") == "sse"
	return target{
		path:      "/v1beta/" + path,
		query:     query,
		model:     modelName,
		stream:    method == "streamGenerateContent" || sse,
		jsonArray: method == "streamGenerateContent" && !sse,
	}
}
