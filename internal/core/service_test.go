package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xiaopang/aiswitch/internal/config"
	"github.com/xiaopang/aiswitch/internal/model"
	"github.com/xiaopang/aiswitch/internal/store"
	"github.com/xiaopang/aiswitch/internal/usage"
)

type serviceFixture struct {
	svc   *ProxyService
	srv   *ProxyServer
	store *store.Store
	home  string
}

func newTestService(t *testing.T) *serviceFixture {
	t.Helper()
	st := tempStore(t)
	home := t.TempDir()

	cfg := config.Default()
	cfg.Takeover.HomeDir = home
	srv := NewProxyServer(cfg, st, usage.NewLogger(st, true))
	t.Cleanup(func() {
		if srv.IsRunning() {
			srv.Stop(context.Background())
		}
	})

	defaults := model.ProxyConfig{ListenAddress: "127.0.0.1", ListenPort: 0, EnableLogging: true}
	svc := NewProxyService(srv, NewTakeoverManager(home, st), st, defaults)
	return &serviceFixture{svc: svc, srv: srv, store: st, home: home}
}

// seedConfigs 写入三个应用的原始配置并返回内容快照
func (f *serviceFixture) seedConfigs(t *testing.T, geminiEnv string) map[string]string {
	t.Helper()
	files := map[string]string{
		filepath.Join(f.home, ".claude", "settings.json"): "{\n  \"env\": {\"ANTHROPIC_API_KEY\": \"sk-ant-real\"}\n}\n",
		filepath.Join(f.home, ".codex", "auth.json"):      `{"OPENAI_API_KEY":"sk-real"}`,
		filepath.Join(f.home, ".codex", "config.toml"):    "# mine\nmodel = \"gpt-5-codex\"\n",
		filepath.Join(f.home, ".gemini", ".env"):          geminiEnv,
	}
	for path, content := range files {
		writeFile(t, path, content)
	}
	return files
}

func assertRestored(t *testing.T, files map[string]string) {
	t.Helper()
	for path, want := range files {
		if got := readFile(t, path); got != want {
			t.Errorf("%s = %q, want original %q", path, got, want)
		}
	}
}

func (f *serviceFixture) settings(t *testing.T) *model.ProxySettings {
	t.Helper()
	st, err := f.store.GetProxySettings(model.ProxySettings{})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestStartWithTakeover_AllAppsThenRestore(t *testing.T) {
	f := newTestService(t)
	files := f.seedConfigs(t, "GEMINI_API_KEY=real\n")

	info, err := f.svc.StartWithTakeover(model.AllAppTypes())
	if err != nil {
		t.Fatalf("StartWithTakeover: %v", err)
	}
	if !f.svc.IsRunning() || info.Port == 0 {
		t.Fatalf("proxy not running, info = %+v", info)
	}

	status, err := f.svc.TakeoverStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !status.Claude || !status.Codex || !status.Gemini {
		t.Errorf("takeover status = %+v", status)
	}

	url, _ := f.srv.URL()
	claude := readFile(t, filepath.Join(f.home, ".claude", "settings.json"))
	if !strings.Contains(claude, url) || !strings.Contains(claude, PlaceholderToken) {
		t.Errorf("claude settings not taken over: %s", claude)
	}
	if !strings.Contains(readFile(t, filepath.Join(f.home, ".codex", "config.toml")), url+"/v1") {
		t.Error("codex config not taken over")
	}
	if !strings.Contains(readFile(t, filepath.Join(f.home, ".gemini", ".env")), "GOOGLE_GEMINI_BASE_URL="+url) {
		t.Error("gemini env not taken over")
	}

	st := f.settings(t)
	if st.ListenPort != info.Port {
		t.Errorf("persisted port = %d, want %d", st.ListenPort, info.Port)
	}

	if err := f.svc.StopWithRestore(context.Background()); err != nil {
		t.Fatalf("StopWithRestore: %v", err)
	}
	if f.svc.IsRunning() {
		t.Error("proxy should be stopped")
	}
	assertRestored(t, files)

	st = f.settings(t)
	if st.AnyTakeover() || st.ProxyEnabled {
		t.Errorf("settings after restore = %+v", st)
	}
}

func TestStartWithTakeover_RollbackOnFailure(t *testing.T) {
	f := newTestService(t)
	// 第三个应用的配置无法解析
	files := f.seedConfigs(t, "this is not valid\n")

	_, err := f.svc.StartWithTakeover([]model.AppType{model.AppClaude, model.AppCodex, model.AppGemini})
	if err == nil {
		t.Fatal("expected takeover failure")
	}
	if f.svc.IsRunning() {
		t.Error("proxy started by the failed batch must be stopped")
	}
	assertRestored(t, files)

	backups, err := f.store.ListBackups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 0 {
		t.Errorf("leftover backups: %v", backups)
	}
	if st := f.settings(t); st.AnyTakeover() {
		t.Errorf("no flag should be set: %+v", st)
	}
}

func TestStartWithTakeover_KeepsRunningProxyOnFailure(t *testing.T) {
	f := newTestService(t)
	files := f.seedConfigs(t, "this is not valid\n")

	if _, err := f.svc.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartWithTakeover([]model.AppType{model.AppClaude, model.AppGemini}); err == nil {
		t.Fatal("expected takeover failure")
	}
	if !f.svc.IsRunning() {
		t.Error("a proxy that was already running must stay up")
	}
	assertRestored(t, files)
}

func TestStartWithTakeover_UnknownApp(t *testing.T) {
	f := newTestService(t)
	if _, err := f.svc.StartWithTakeover([]model.AppType{"vim"}); err == nil {
		t.Error("expected error for unknown app")
	}
	if f.svc.IsRunning() {
		t.Error("proxy should not start")
	}
}

func TestSetTakeoverForApp_AutoStartAndStop(t *testing.T) {
	f := newTestService(t)
	files := f.seedConfigs(t, "GEMINI_API_KEY=real\n")

	if err := f.svc.SetTakeoverForApp(model.AppClaude, true); err != nil {
		t.Fatalf("enable claude: %v", err)
	}
	if !f.svc.IsRunning() {
		t.Fatal("enabling a takeover should start the proxy")
	}
	if err := f.svc.SetTakeoverForApp(model.AppCodex, true); err != nil {
		t.Fatalf("enable codex: %v", err)
	}

	if err := f.svc.SetTakeoverForApp(model.AppClaude, false); err != nil {
		t.Fatalf("disable claude: %v", err)
	}
	if !f.svc.IsRunning() {
		t.Error("proxy must keep running while codex is taken over")
	}

	if err := f.svc.SetTakeoverForApp(model.AppCodex, false); err != nil {
		t.Fatalf("disable codex: %v", err)
	}
	if f.svc.IsRunning() {
		t.Error("proxy should stop after the last takeover is disabled")
	}
	assertRestored(t, files)
}

func TestSetTakeoverForApp_ExplicitStartStaysUp(t *testing.T) {
	f := newTestService(t)
	f.seedConfigs(t, "")

	if _, err := f.svc.Start(); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SetTakeoverForApp(model.AppGemini, true); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SetTakeoverForApp(model.AppGemini, false); err != nil {
		t.Fatal(err)
	}
	if !f.svc.IsRunning() {
		t.Error("explicitly started proxy must not be stopped by takeover changes")
	}
	if err := f.svc.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSetTakeoverForApp_FailureStopsAutoStartedProxy(t *testing.T) {
	f := newTestService(t)
	path := filepath.Join(f.home, ".claude", "settings.json")
	writeFile(t, path, "[1, 2")

	if err := f.svc.SetTakeoverForApp(model.AppClaude, true); err == nil {
		t.Fatal("expected failure on invalid settings.json")
	}
	if f.svc.IsRunning() {
		t.Error("auto-started proxy should be stopped")
	}
	if readFile(t, path) != "[1, 2" {
		t.Error("file must be left untouched")
	}
	if has, _ := f.svc.takeover.HasBackup(model.AppClaude); has {
		t.Error("backup should be gone after rollback")
	}
}

func TestSetTakeoverForApp_FailedReenableClearsFlag(t *testing.T) {
	f := newTestService(t)
	files := f.seedConfigs(t, "GEMINI_API_KEY=real\n")
	envPath := filepath.Join(f.home, ".gemini", ".env")

	if err := f.svc.SetTakeoverForApp(model.AppGemini, true); err != nil {
		t.Fatal(err)
	}
	writeFile(t, envPath, "broken line\n")

	if err := f.svc.SetTakeoverForApp(model.AppGemini, true); err == nil {
		t.Fatal("expected takeover failure on malformed .env")
	}
	status, err := f.svc.TakeoverStatus()
	if err != nil {
		t.Fatal(err)
	}
	if status.Gemini {
		t.Error("flag must be cleared once the backup has been restored")
	}
	if has, _ := f.svc.takeover.HasBackup(model.AppGemini); has {
		t.Error("backup should be consumed by the restore")
	}
	if f.svc.IsRunning() {
		t.Error("proxy should stop when no takeover remains")
	}
	assertRestored(t, files)
}

func TestRetakeoverKeepsOriginalBackup(t *testing.T) {
	f := newTestService(t)
	files := f.seedConfigs(t, "GEMINI_API_KEY=real\n")

	if _, err := f.svc.StartWithTakeover([]model.AppType{model.AppGemini}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartWithTakeover([]model.AppType{model.AppGemini}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.StopWithRestore(context.Background()); err != nil {
		t.Fatal(err)
	}
	assertRestored(t, files)
}

func TestRecoverStaleTakeovers(t *testing.T) {
	f := newTestService(t)
	files := f.seedConfigs(t, "GEMINI_API_KEY=real\n")

	// 模拟上次进程在接管后崩溃
	m := NewTakeoverManager(f.home, f.store)
	if err := m.Backup(model.AppClaude); err != nil {
		t.Fatal(err)
	}
	if err := m.Takeover(model.AppClaude, testProxyURL); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SaveProxySettings(&model.ProxySettings{
		ProxyEnabled:   true,
		ListenAddress:  "127.0.0.1",
		ListenPort:     15721,
		TakeoverClaude: true,
	}); err != nil {
		t.Fatal(err)
	}

	restored, err := f.svc.RecoverStaleTakeovers()
	if err != nil {
		t.Fatalf("RecoverStaleTakeovers: %v", err)
	}
	if len(restored) != 1 || restored[0] != model.AppClaude {
		t.Errorf("restored = %v", restored)
	}
	assertRestored(t, files)
	if st := f.settings(t); st.AnyTakeover() || st.ProxyEnabled {
		t.Errorf("settings = %+v", st)
	}
}

func TestRecoverStaleTakeovers_NothingToDo(t *testing.T) {
	f := newTestService(t)
	restored, err := f.svc.RecoverStaleTakeovers()
	if err != nil || len(restored) != 0 {
		t.Errorf("restored = %v, err = %v", restored, err)
	}
	if _, err := os.Stat(filepath.Join(f.home, ".claude")); !os.IsNotExist(err) {
		t.Error("recovery without backups must not create files")
	}
}
