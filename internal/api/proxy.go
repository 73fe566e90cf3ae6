package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"github.com/xiaopang/aiswitch/internal/config"
	"github.com/xiaopang/aiswitch/internal/logger"
	"github.com/xiaopang/aiswitch/internal/model"
	"github.com/xiaopang/aiswitch/internal/usage"
)

var (
	errMissingCredential   = errors.New("missing upstream credential")
	errUpstreamUnreachable = errors.New("upstream unreachable")
)

// DefaultProviderID 未指定 x-provider-id 时记录的服务商
const DefaultProviderID = "default"

// streamChunkSize 流式转发时每次读取的大小
const streamChunkSize = 32 * 1024

// ProxyHandler 代理处理器
type ProxyHandler struct {
	claude    *vendor
	chat      *vendor
	responses *vendor
	gemini    *vendor

	usage    *usage.Logger
	counters *Counters
	client   *http.Client
	timeout  time.Duration
	log      *logger.Logger
}

// NewProxyHandler 创建代理处理器
func NewProxyHandler(cfg *config.Config, usageLogger *usage.Logger, counters *Counters) *ProxyHandler {
	if counters == nil {
		counters = NewCounters()
	}
	return &ProxyHandler{
		claude:    newClaudeVendor(cfg.Upstream),
		chat:      newCodexChatVendor(cfg.Upstream),
		responses: newCodexResponsesVendor(cfg.Upstream),
		gemini:    newGeminiVendor(cfg.Upstream),
		usage:     usageLogger,
		counters:  counters,
		// 整体超时由 timeout 按请求控制
		client:  &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		timeout: cfg.RequestTimeout(),
		log:     logger.Default().Named("proxy"),
	}
}

// Counters 返回请求计数器
func (h *ProxyHandler) Counters() *Counters {
	return h.counters
}

// Claude 转发到 {base}/v1/messages
func (h *ProxyHandler) Claude(c *gin.Context) {
	h.forward(c, h.claude, func(env *model.RequestEnvelope, _ string) target {
		return target{path: "/v1/messages", model: env.Model, stream: env.Stream}
	})
}

// CodexChat 转发到 {base}/chat/completions
func (h *ProxyHandler) CodexChat(c *gin.Context) {
	h.forward(c, h.chat, func(env *model.RequestEnvelope, _ string) target {
		return target{path: "/chat/completions", model: env.Model, stream: env.Stream}
	})
}

// CodexResponses 转发到 {base}/responses
func (h *ProxyHandler) CodexResponses(c *gin.Context) {
	h.forward(c, h.responses, func(env *model.RequestEnvelope, _ string) target {
		return target{path: "/responses", model: env.Model, stream: env.Stream}
	})
}

// Gemini 转发到 {base}/v1beta/{path}，凭据放在 key 参数中，模型取自路径
func (h *ProxyHandler) Gemini(c *gin.Context) {
	h.forward(c, h.gemini, func(_ *model.RequestEnvelope, key string) target {
		return geminiTarget(c, key)
	})
}

// forward 转发流程：凭据 → 构建请求 → 发送 → 计数 → 流式/缓冲返回 → 记录用量
func (h *ProxyHandler) forward(c *gin.Context, v *vendor, route func(env *model.RequestEnvelope, key string) target) {
	startTime := time.Now()

	key := v.credential(c)
	if key == "" {
		c.JSON(http.StatusUnauthorized, model.NewError(
			errMissingCredential.Error(), "authentication_error", "missing_api_key"))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, model.NewError(
				fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes), "invalid_request_error", "body_too_large"))
			return
		}
		c.JSON(http.StatusBadRequest, model.NewError("Invalid request: "+err.Error(), "invalid_request_error", ""))
		return
	}

	// 只读取 model/stream，正文原样透传；解析失败交由上游报错
	var env model.RequestEnvelope
	_ = json.Unmarshal(body, &env)
	t := route(&env, key)

	base := strings.TrimSpace(c.GetHeader("x-base-url"))
	if base == "" {
		base = v.defaultBase
	}
	upstreamURL := strings.TrimRight(base, "/") + t.path
	if len(t.query) > 0 {
		upstreamURL += "?" + t.query.Encode()
	}

	ctx := c.Request.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	out, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusBadGateway, model.NewError(
			fmt.Sprintf("%v: %v", errUpstreamUnreachable, err), "upstream_error", "upstream_unreachable"))
		return
	}
	copyRequestHeaders(out.Header, c.Request.Header, v.strip)
	if out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}
	v.authorize(out, key)

	resp, err := h.client.Do(out)
	if err != nil {
		observeUpstreamError(v.app)
		h.log.Warn("upstream request failed",
			"request_id", requestIDFromContext(c),
			"app", v.app,
			"url", redactURL(upstreamURL),
			"error", err,
		)
		c.JSON(http.StatusBadGateway, model.NewError(
			fmt.Sprintf("%v: %v", errUpstreamUnreachable, err), "upstream_error", "upstream_unreachable"))
		return
	}
	defer resp.Body.Close()

	h.counters.Record(resp.StatusCode)
	observeResponse(v.app, resp.StatusCode)

	entry := usage.Entry{
		ProviderID:   c.GetHeader("x-provider-id"),
		ProviderName: c.GetHeader("x-provider-name"),
		AppType:      v.app,
		Model:        t.model,
		StatusCode:   resp.StatusCode,
		ClientTool:   DetectTool(c.Request.Header),
	}
	if entry.ProviderID == "" {
		entry.ProviderID = DefaultProviderID
	}

	if t.stream && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.handleStream(c, v, resp, entry, t.jsonArray, startTime)
		return
	}
	h.handleBuffered(c, v, resp, entry, t.stream, startTime)
}

// handleBuffered 缓冲完整响应，解析用量后原样返回
func (h *ProxyHandler) handleBuffered(c *gin.Context, v *vendor, resp *http.Response, entry usage.Entry, stream bool, startTime time.Time) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		observeUpstreamError(v.app)
		c.JSON(http.StatusBadGateway, model.NewError(
			fmt.Sprintf("%v: read response: %v", errUpstreamUnreachable, err), "upstream_error", "upstream_unreachable"))
		return
	}
	latency := time.Since(startTime)
	observeDuration(v.app, stream, latency)

	if resp.StatusCode >= 300 {
		h.log.Debug("upstream returned error",
			"request_id", requestIDFromContext(c),
			"app", v.app,
			"status", resp.StatusCode,
			"body", logSnippet(respBody, 512),
		)
	}

	if u, ok := v.parse(respBody); ok {
		entry.Usage = u
		entry.Latency = latency
		observeTokens(v.app, u)
		h.usage.Record(entry)
	}

	copyResponseHeaders(c.Writer.Header(), resp.Header)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, respBody)
}

// handleStream 逐块转发流式响应。SSE 同时交给用量累加器；
// JSON 数组流保留上游 Content-Type，结束后整体解析用量。
func (h *ProxyHandler) handleStream(c *gin.Context, v *vendor, resp *http.Response, entry usage.Entry, jsonArray bool, startTime time.Time) {
	copyResponseHeaders(c.Writer.Header(), resp.Header)
	c.Header("Cache-Control", "no-cache")

	var sink io.Writer
	var finish func() (usage.TokenUsage, bool)
	if jsonArray {
		if resp.Header.Get("Content-Type") == "" {
			c.Header("Content-Type", "application/json")
		}
		body := &bytes.Buffer{}
		sink = body
		finish = func() (usage.TokenUsage, bool) { return v.parse(body.Bytes()) }
	} else {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Connection", "keep-alive")
		tee := usage.NewTee(v.newStream())
		sink = tee
		finish = tee.Finish
	}
	c.Status(resp.StatusCode)
	c.Writer.Flush()

	buf := make([]byte, streamChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := c.Writer.Write(chunk); werr != nil {
				// 客户端已断开
				h.log.Debug("client went away during stream", "request_id", requestIDFromContext(c), "error", werr)
				break
			}
			c.Writer.Flush()
			sink.Write(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// 已开始流式输出，不能回退
				h.log.Warn("upstream stream interrupted",
					"request_id", requestIDFromContext(c),
					"app", v.app,
					"error", err,
				)
			}
			break
		}
	}

	latency := time.Since(startTime)
	observeDuration(v.app, true, latency)

	if u, ok := finish(); ok {
		entry.Usage = u
		entry.Latency = latency
		entry.IsStreaming = true
		observeTokens(v.app, u)
		h.usage.Record(entry)
	}
}

// copyRequestHeaders 透传请求头，移除连接相关头和与凭据冲突的头
func copyRequestHeaders(dst, src http.Header, strip []string) {
	for k, vs := range src {
		lk := strings.ToLower(k)
		if lo.Contains(hopHeaders, lk) || lo.Contains(strip, lk) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// copyResponseHeaders 透传上游响应头，长度和编码由本地重新决定
func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		lk := strings.ToLower(k)
		if lo.Contains(hopHeaders, lk) || lk == "content-encoding" {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// redactURL 去掉 query，避免把 Gemini key 写进日志
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
