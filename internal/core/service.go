package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"github.com/xiaopang/aiswitch/internal/logger"
	"github.com/xiaopang/aiswitch/internal/model"
)

// SettingsStore 代理设置的持久化
type SettingsStore interface {
	GetProxySettings(fallback model.ProxySettings) (*model.ProxySettings, error)
	SaveProxySettings(st *model.ProxySettings) error
}

// ProxyService 组合代理服务器与配置接管
//
// 不变式：代理运行当且仅当至少一个应用处于接管状态，或代理是被单独启动的
// (ProxyEnabled)。所有操作由 mu 串行化。
type ProxyService struct {
	mu       sync.Mutex
	server   *ProxyServer
	takeover *TakeoverManager
	settings SettingsStore
	defaults model.ProxyConfig
	log      *logger.Logger
}

// NewProxyService 创建代理服务；defaults 为启动代理所用的监听配置
func NewProxyService(server *ProxyServer, takeover *TakeoverManager, settings SettingsStore, defaults model.ProxyConfig) *ProxyService {
	return &ProxyService{
		server:   server,
		takeover: takeover,
		settings: settings,
		defaults: defaults,
		log:      logger.Default().Named("service"),
	}
}

func (s *ProxyService) loadSettings() (*model.ProxySettings, error) {
	st, err := s.settings.GetProxySettings(model.ProxySettings{
		ListenAddress: s.defaults.ListenAddress,
		ListenPort:    s.defaults.ListenPort,
	})
	if err != nil {
		return nil, fmt.Errorf("load proxy settings: %w", err)
	}
	return st, nil
}

func (s *ProxyService) saveSettings(st *model.ProxySettings) error {
	if err := s.settings.SaveProxySettings(st); err != nil {
		return fmt.Errorf("save proxy settings: %w", err)
	}
	return nil
}

// startServer 启动代理并记录实际监听地址
func (s *ProxyService) startServer(st *model.ProxySettings) (model.ProxyServerInfo, error) {
	info, err := s.server.Start(s.defaults)
	if err != nil {
		return info, err
	}
	st.ListenAddress = info.Address
	st.ListenPort = info.Port
	return info, nil
}

// Start 单独启动代理（不接管任何应用）
func (s *ProxyService) Start() (model.ProxyServerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadSettings()
	if err != nil {
		return model.ProxyServerInfo{}, err
	}
	info, err := s.startServer(st)
	if err != nil {
		return info, err
	}
	st.ProxyEnabled = true
	return info, s.saveSettings(st)
}

// Stop 停止代理，不恢复配置
func (s *ProxyService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.server.Stop(ctx); err != nil {
		return err
	}
	st, err := s.loadSettings()
	if err != nil {
		return err
	}
	st.ProxyEnabled = false
	return s.saveSettings(st)
}

// Status 代理状态
func (s *ProxyService) Status() model.ProxyStatus {
	return s.server.Status()
}

// IsRunning 代理是否运行
func (s *ProxyService) IsRunning() bool {
	return s.server.IsRunning()
}

// validateApps 去重并校验应用列表
func validateApps(apps []model.AppType) ([]model.AppType, error) {
	apps = lo.Uniq(apps)
	for _, app := range apps {
		if !lo.Contains(model.AllAppTypes(), app) {
			return nil, fmt.Errorf("unknown app type %q", app)
		}
	}
	return apps, nil
}

// StartWithTakeover 先备份全部应用，再启动代理，再逐个接管。
// 任一接管失败时，本批次已改动的应用全部恢复，并停止本次启动的代理。
func (s *ProxyService) StartWithTakeover(apps []model.AppType) (model.ProxyServerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	apps, err := validateApps(apps)
	if err != nil {
		return model.ProxyServerInfo{}, err
	}
	st, err := s.loadSettings()
	if err != nil {
		return model.ProxyServerInfo{}, err
	}

	// 已有备份的应用保留原始备份，避免用接管后的内容覆盖
	var backedUp []model.AppType
	for _, app := range apps {
		has, err := s.takeover.HasBackup(app)
		if err != nil {
			s.discardBackups(backedUp)
			return model.ProxyServerInfo{}, fmt.Errorf("backup %s: %w", app, err)
		}
		if has {
			continue
		}
		if err := s.takeover.Backup(app); err != nil {
			s.discardBackups(backedUp)
			return model.ProxyServerInfo{}, fmt.Errorf("backup %s: %w", app, err)
		}
		backedUp = append(backedUp, app)
	}

	startedHere := false
	info, running := s.server.Info()
	if !running {
		info, err = s.startServer(st)
		if err != nil {
			s.discardBackups(backedUp)
			return info, err
		}
		startedHere = true
	}

	proxyURL, err := s.server.URL()
	if err == nil {
		for _, app := range apps {
			if err = s.takeover.Takeover(app, proxyURL); err != nil {
				break
			}
		}
	}
	if err != nil {
		s.rollback(backedUp)
		if startedHere {
			if stopErr := s.server.Stop(context.Background()); stopErr != nil {
				s.log.Error("stop after failed takeover", "error", stopErr)
			}
		}
		return model.ProxyServerInfo{}, err
	}

	for _, app := range apps {
		st.SetTakeover(app, true)
	}
	return info, s.saveSettings(st)
}

// rollback 恢复本批次备份过的应用
func (s *ProxyService) rollback(apps []model.AppType) {
	for _, app := range apps {
		if err := s.takeover.Restore(app); err != nil {
			s.log.Error("rollback failed", "app", app, "error", err)
		}
	}
}

// discardBackups 删除本批次创建、尚未使用的备份
func (s *ProxyService) discardBackups(apps []model.AppType) {
	for _, app := range apps {
		if err := s.takeover.backups.DeleteBackup(app); err != nil {
			s.log.Warn("discard backup failed", "app", app, "error", err)
		}
	}
}

// SetTakeoverForApp 开启或关闭单个应用的接管。
// 开启时按需启动代理；关闭最后一个接管且代理不是单独启动时自动停止代理。
func (s *ProxyService) SetTakeoverForApp(app model.AppType, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := validateApps([]model.AppType{app}); err != nil {
		return err
	}
	st, err := s.loadSettings()
	if err != nil {
		return err
	}

	if enabled {
		return s.enableTakeover(app, st)
	}

	if err := s.takeover.Restore(app); err != nil {
		return fmt.Errorf("restore %s: %w", app, err)
	}
	st.SetTakeover(app, false)
	if err := s.saveSettings(st); err != nil {
		return err
	}

	if !st.AnyTakeover() && !st.ProxyEnabled && s.server.IsRunning() {
		s.log.Info("no app taken over, stopping proxy")
		return s.server.Stop(context.Background())
	}
	return nil
}

func (s *ProxyService) enableTakeover(app model.AppType, st *model.ProxySettings) error {
	autoStarted := false
	if !s.server.IsRunning() {
		if _, err := s.startServer(st); err != nil {
			return err
		}
		autoStarted = true
	}
	stopIfAutoStarted := func() {
		if autoStarted {
			if err := s.server.Stop(context.Background()); err != nil {
				s.log.Error("stop after failed takeover", "error", err)
			}
		}
	}

	has, err := s.takeover.HasBackup(app)
	if err == nil && !has {
		err = s.takeover.Backup(app)
	}
	if err != nil {
		stopIfAutoStarted()
		return fmt.Errorf("backup %s: %w", app, err)
	}

	proxyURL, err := s.server.URL()
	if err == nil {
		err = s.takeover.Takeover(app, proxyURL)
	}
	if err != nil {
		if rerr := s.takeover.Restore(app); rerr != nil {
			s.log.Error("rollback failed", "app", app, "error", rerr)
		}
		// 备份已随恢复删除，之前持久化的标记也不再成立
		st.SetTakeover(app, false)
		if serr := s.saveSettings(st); serr != nil {
			s.log.Error("clear takeover flag", "app", app, "error", serr)
		}
		if !autoStarted && !st.AnyTakeover() && !st.ProxyEnabled && s.server.IsRunning() {
			autoStarted = true
		}
		stopIfAutoStarted()
		return err
	}

	st.SetTakeover(app, true)
	return s.saveSettings(st)
}

// StopWithRestore 恢复全部接管的应用并停止代理
func (s *ProxyService) StopWithRestore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadSettings()
	if err != nil {
		return err
	}

	var errs []error
	for _, app := range model.AllAppTypes() {
		if err := s.takeover.Restore(app); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", app, err))
			continue
		}
		st.SetTakeover(app, false)
	}

	if s.server.IsRunning() {
		if err := s.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	st.ProxyEnabled = false
	if err := s.saveSettings(st); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TakeoverStatus 各应用的接管状态
func (s *ProxyService) TakeoverStatus() (model.TakeoverStatus, error) {
	st, err := s.loadSettings()
	if err != nil {
		return model.TakeoverStatus{}, err
	}
	return model.TakeoverStatus{
		Claude: st.TakeoverClaude,
		Codex:  st.TakeoverCodex,
		Gemini: st.TakeoverGemini,
	}, nil
}

// RecoverStaleTakeovers 启动时恢复上次异常退出遗留的接管。
// 代理未运行时存在的备份都视为遗留。
func (s *ProxyService) RecoverStaleTakeovers() ([]model.AppType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server.IsRunning() {
		return nil, nil
	}
	st, err := s.loadSettings()
	if err != nil {
		return nil, err
	}

	var restored []model.AppType
	var errs []error
	for _, app := range model.AllAppTypes() {
		has, err := s.takeover.HasBackup(app)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if has {
			if err := s.takeover.Restore(app); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", app, err))
				continue
			}
			restored = append(restored, app)
			s.log.Warn("restored stale takeover", "app", app)
		}
		st.SetTakeover(app, false)
	}
	st.ProxyEnabled = false
	if err := s.saveSettings(st); err != nil {
		errs = append(errs, err)
	}
	return restored, errors.Join(errs...)
}
