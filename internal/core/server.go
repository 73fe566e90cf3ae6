package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xiaopang/aiswitch/internal/api"
	"github.com/xiaopang/aiswitch/internal/config"
	"github.com/xiaopang/aiswitch/internal/logger"
	"github.com/xiaopang/aiswitch/internal/model"
	"github.com/xiaopang/aiswitch/internal/store"
	"github.com/xiaopang/aiswitch/internal/usage"
)

// runningServer 运行中实例；ProxyServer 持有它即表示 Running
type runningServer struct {
	srv      *http.Server
	info     model.ProxyServerInfo
	counters *api.Counters
	done     chan struct{}
}

// ProxyServer 本地代理服务器，状态机 Stopped → Running → Stopped
type ProxyServer struct {
	// opMu 串行化 Start/Stop
	opMu sync.Mutex
	// mu 只保护 running，读状态不会被停机等待阻塞
	mu      sync.RWMutex
	running *runningServer

	cfg   *config.Config
	store *store.Store
	usage *usage.Logger
	log   *logger.Logger
}

// NewProxyServer 创建代理服务器；store 为 nil 时不提供 /api 查询接口
func NewProxyServer(cfg *config.Config, st *store.Store, usageLogger *usage.Logger) *ProxyServer {
	return &ProxyServer{
		cfg:   cfg,
		store: st,
		usage: usageLogger,
		log:   logger.Default().Named("server"),
	}
}

// validateListen 检查监听地址：IP 字面量或 localhost
func validateListen(address string, port int) (string, error) {
	address = strings.TrimSpace(address)
	if address != "localhost" && net.ParseIP(address) == nil {
		return "", fmt.Errorf("%w: %q", ErrAddressInvalid, address)
	}
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("%w: port %d out of range", ErrAddressInvalid, port)
	}
	return net.JoinHostPort(address, strconv.Itoa(port)), nil
}

// Start 绑定端口并在后台运行；端口为 0 时返回实际分配的端口
func (s *ProxyServer) Start(pc model.ProxyConfig) (model.ProxyServerInfo, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.IsRunning() {
		return model.ProxyServerInfo{}, ErrAlreadyRunning
	}

	addr, err := validateListen(pc.ListenAddress, pc.ListenPort)
	if err != nil {
		return model.ProxyServerInfo{}, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return model.ProxyServerInfo{}, fmt.Errorf("%w: %s: %v", ErrPortBind, addr, err)
	}

	if s.usage != nil {
		s.usage.SetEnabled(pc.EnableLogging)
	}

	var usageAPI *api.UsageHandler
	if s.store != nil {
		usageAPI = api.NewUsageHandler(s.store)
	}
	// 计数器属于本次运行的实例
	counters := api.NewCounters()
	router := api.SetupRouter(
		api.NewProxyHandler(s.cfg, s.usage, counters),
		api.NewStatusHandler(s.Status),
		usageAPI,
	)

	r := &runningServer{
		srv: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 30 * time.Second,
		},
		info: model.ProxyServerInfo{
			Address:   strings.TrimSpace(pc.ListenAddress),
			Port:      ln.Addr().(*net.TCPAddr).Port,
			StartedAt: time.Now(),
		},
		counters: counters,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(r.done)
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("proxy server exited", "error", err)
		}
	}()

	s.mu.Lock()
	s.running = r
	s.mu.Unlock()

	s.log.Info("proxy server started", "address", r.info.Address, "port", r.info.Port)
	return r.info, nil
}

// Stop 优雅停机：停止接受新连接，等待处理中的请求完成。
// 只有 ctx 到期时才强制关闭剩余连接。
func (s *ProxyServer) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	r := s.running
	s.mu.RUnlock()
	if r == nil {
		return ErrNotRunning
	}

	// 没有截止时间时一直等到处理中的请求（包括长时间的流）全部完成
	if err := r.srv.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out, closing connections", "error", err)
		r.srv.Close()
	}
	<-r.done

	s.mu.Lock()
	s.running = nil
	s.mu.Unlock()

	s.log.Info("proxy server stopped")
	return nil
}

// IsRunning 是否持有运行中的实例
func (s *ProxyServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running != nil
}

// Status 状态快照，uptime 实时计算；停止时返回零值
func (s *ProxyServer) Status() model.ProxyStatus {
	s.mu.RLock()
	r := s.running
	s.mu.RUnlock()
	if r == nil {
		return model.ProxyStatus{}
	}

	total, success, failed := r.counters.Snapshot()
	return model.ProxyStatus{
		Running:         true,
		Address:         r.info.Address,
		Port:            r.info.Port,
		TotalRequests:   total,
		SuccessRequests: success,
		FailedRequests:  failed,
		UptimeSeconds:   uint64(time.Since(r.info.StartedAt).Seconds()),
	}
}

// Info 运行中实例的信息
func (s *ProxyServer) Info() (model.ProxyServerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.running == nil {
		return model.ProxyServerInfo{}, false
	}
	return s.running.info, true
}

// URL 供 CLI 工具访问的代理地址；监听全部地址时使用回环地址
func (s *ProxyServer) URL() (string, error) {
	info, ok := s.Info()
	if !ok {
		return "", ErrNotRunning
	}
	host := info.Address
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(info.Port)), nil
}
