package core

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xiaopang/aiswitch/internal/config"
	"github.com/xiaopang/aiswitch/internal/model"
	"github.com/xiaopang/aiswitch/internal/store"
	"github.com/xiaopang/aiswitch/internal/usage"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestServer(t *testing.T, st *store.Store) *ProxyServer {
	t.Helper()
	cfg := config.Default()
	cfg.Takeover.HomeDir = t.TempDir()
	srv := NewProxyServer(cfg, st, usage.NewLogger(st, true))
	t.Cleanup(func() {
		if srv.IsRunning() {
			srv.Stop(context.Background())
		}
	})
	return srv
}

func loopback(port int) model.ProxyConfig {
	return model.ProxyConfig{ListenAddress: "127.0.0.1", ListenPort: port, EnableLogging: true}
}

func TestProxyServer_Lifecycle(t *testing.T) {
	srv := newTestServer(t, tempStore(t))

	if srv.IsRunning() {
		t.Fatal("new server should be stopped")
	}

	info, err := srv.Start(loopback(0))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !srv.IsRunning() {
		t.Fatal("expected running after Start")
	}
	if info.Port == 0 {
		t.Error("port 0 should resolve to the bound port")
	}

	if _, err := srv.Start(loopback(0)); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}
	if !srv.IsRunning() {
		t.Error("first server should keep running")
	}

	url, err := srv.URL()
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	resp, err := http.Get(url + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	status := srv.Status()
	if !status.Running || status.Port != info.Port || status.Address != "127.0.0.1" {
		t.Errorf("status = %+v", status)
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if srv.IsRunning() {
		t.Error("expected stopped after Stop")
	}
	if srv.Status().Running {
		t.Error("status should report stopped")
	}
	if err := srv.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop error = %v, want ErrNotRunning", err)
	}
	if _, err := srv.URL(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("URL error = %v, want ErrNotRunning", err)
	}
}

func TestProxyServer_RestartAfterStop(t *testing.T) {
	srv := newTestServer(t, tempStore(t))
	for i := 0; i < 2; i++ {
		if _, err := srv.Start(loopback(0)); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		if err := srv.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
}

func TestProxyServer_InvalidAddress(t *testing.T) {
	srv := newTestServer(t, tempStore(t))
	tests := []model.ProxyConfig{
		{ListenAddress: "not-an-ip", ListenPort: 0},
		{ListenAddress: "", ListenPort: 0},
		{ListenAddress: "127.0.0.1", ListenPort: 70000},
		{ListenAddress: "127.0.0.1", ListenPort: -1},
	}
	for _, pc := range tests {
		if _, err := srv.Start(pc); !errors.Is(err, ErrAddressInvalid) {
			t.Errorf("Start(%+v) error = %v, want ErrAddressInvalid", pc, err)
		}
	}
	if srv.IsRunning() {
		t.Error("failed starts must leave the server stopped")
	}
}

func TestProxyServer_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := newTestServer(t, tempStore(t))
	_, err = srv.Start(loopback(ln.Addr().(*net.TCPAddr).Port))
	if !errors.Is(err, ErrPortBind) {
		t.Fatalf("error = %v, want ErrPortBind", err)
	}
	if srv.IsRunning() {
		t.Error("server should not be running")
	}
}

func TestProxyServer_URLForUnspecifiedAddress(t *testing.T) {
	srv := newTestServer(t, tempStore(t))
	if _, err := srv.Start(model.ProxyConfig{ListenAddress: "0.0.0.0", ListenPort: 0}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	url, _ := srv.URL()
	if !strings.HasPrefix(url, "http://127.0.0.1:") {
		t.Errorf("url = %s", url)
	}
}

func TestProxyServer_StatusEndpointUsesCounters(t *testing.T) {
	srv := newTestServer(t, tempStore(t))
	if _, err := srv.Start(loopback(0)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	url, _ := srv.URL()

	// 缺少凭据的请求不计数
	resp, err := http.Post(url+"/v1/messages", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if srv.Status().TotalRequests != 0 {
		t.Errorf("total = %d", srv.Status().TotalRequests)
	}
}

// claudeRequest 发往代理的 Claude 请求，上游由 x-base-url 指定
func claudeRequest(t *testing.T, proxyURL, upstream, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest("POST", proxyURL+"/v1/messages", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", "sk-real")
	req.Header.Set("x-base-url", upstream)
	return req
}

func TestProxyServer_StopWaitsForActiveStream(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-3-x\",\"usage\":{\"input_tokens\":3}}}\n\n")
		w.(http.Flusher).Flush()
		<-release
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstream.Close()

	srv := newTestServer(t, tempStore(t))
	// 配置的停机超时只作用于 serve 的信号处理
	srv.cfg.Proxy.ShutdownTimeout = 1
	if _, err := srv.Start(loopback(0)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	url, _ := srv.URL()

	resp, err := http.DefaultClient.Do(claudeRequest(t, url, upstream.URL, `{"model":"claude-3-x","stream":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	first := make([]byte, 16)
	if _, err := io.ReadFull(resp.Body, first); err != nil {
		t.Fatalf("read first event: %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- srv.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned while a stream was active: %v", err)
	case <-time.After(1500 * time.Millisecond):
	}
	close(release)

	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("stream cut by Stop: %v", err)
	}
	if !strings.Contains(string(rest), "message_stop") {
		t.Errorf("stream incomplete: %q", rest)
	}
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the stream finished")
	}
}

func TestProxyServer_CountersResetPerRun(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"claude-3-x","usage":{"input_tokens":5,"output_tokens":7}}`)
	}))
	defer upstream.Close()

	srv := newTestServer(t, tempStore(t))
	if _, err := srv.Start(loopback(0)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	url, _ := srv.URL()
	resp, err := http.DefaultClient.Do(claudeRequest(t, url, upstream.URL, `{"model":"claude-3-x"}`))
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if got := srv.Status(); got.TotalRequests != 1 || got.SuccessRequests != 1 {
		t.Fatalf("status after one request = %+v", got)
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := srv.Status(); got != (model.ProxyStatus{}) {
		t.Errorf("stopped status = %+v, want zero value", got)
	}

	if _, err := srv.Start(loopback(0)); err != nil {
		t.Fatal(err)
	}
	if got := srv.Status(); got.TotalRequests != 0 || got.SuccessRequests != 0 || got.FailedRequests != 0 {
		t.Errorf("restarted status = %+v, want fresh counters", got)
	}
}
