package core

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/xiaopang/aiswitch/internal/logger"
	"github.com/xiaopang/aiswitch/internal/model"
)

// PlaceholderToken 接管后写入 CLI 配置的占位凭据
const PlaceholderToken = "PROXY_MANAGED"

// BackupStore 接管备份的持久化，每个应用最多一份
type BackupStore interface {
	SaveBackup(app model.AppType, content string) error
	GetBackup(app model.AppType) (content string, ok bool, err error)
	DeleteBackup(app model.AppType) error
}

// fileSnapshot 单个配置文件的原始内容
type fileSnapshot struct {
	Path    string `json:"path"`
	Exists  bool   `json:"exists"`
	Content []byte `json:"content,omitempty"`
}

// appBackup 一个应用全部配置文件的快照
type appBackup struct {
	App       model.AppType  `json:"app"`
	Files     []fileSnapshot `json:"files"`
	CreatedAt time.Time      `json:"created_at"`
}

// TakeoverManager 改写 CLI 工具的本地配置，使其指向代理
type TakeoverManager struct {
	home    string
	backups BackupStore
	log     *logger.Logger
}

// NewTakeoverManager 创建接管管理器；homeDir 下应有 .claude/.codex/.gemini
func NewTakeoverManager(homeDir string, backups BackupStore) *TakeoverManager {
	return &TakeoverManager{
		home:    homeDir,
		backups: backups,
		log:     logger.Default().Named("takeover"),
	}
}

// claudeSettingsPath ~/.claude/settings.json
func (m *TakeoverManager) claudeSettingsPath() string {
	return filepath.Join(m.home, ".claude", "settings.json")
}

// codexAuthPath ~/.codex/auth.json
func (m *TakeoverManager) codexAuthPath() string {
	return filepath.Join(m.home, ".codex", "auth.json")
}

// codexConfigPath ~/.codex/config.toml
func (m *TakeoverManager) codexConfigPath() string {
	return filepath.Join(m.home, ".codex", "config.toml")
}

// geminiEnvPath ~/.gemini/.env
func (m *TakeoverManager) geminiEnvPath() string {
	return filepath.Join(m.home, ".gemini", ".env")
}

// Files 应用的全部实时配置文件
func (m *TakeoverManager) Files(app model.AppType) ([]string, error) {
	switch app {
	case model.AppClaude:
		return []string{m.claudeSettingsPath()}, nil
	case model.AppCodex:
		return []string{m.codexAuthPath(), m.codexConfigPath()}, nil
	case model.AppGemini:
		return []string{m.geminiEnvPath()}, nil
	}
	return nil, fmt.Errorf("unknown app type %q", app)
}

// Backup 快照应用的配置文件并保存，覆盖已有备份
func (m *TakeoverManager) Backup(app model.AppType) error {
	files, err := m.Files(app)
	if err != nil {
		return err
	}

	backup := appBackup{App: app, CreatedAt: time.Now()}
	for _, path := range files {
		data, exists, err := readOptional(path)
		if err != nil {
			return err
		}
		backup.Files = append(backup.Files, fileSnapshot{Path: path, Exists: exists, Content: data})
	}

	doc, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("%w: encode %s backup: %v", ErrConfigRead, app, err)
	}
	if err := m.backups.SaveBackup(app, string(doc)); err != nil {
		return fmt.Errorf("%w: save %s backup: %v", ErrConfigWrite, app, err)
	}

	m.log.Info("config backed up", "app", app, "files", len(backup.Files))
	return nil
}

// Takeover 把应用的 base URL 指向代理，并把凭据替换为占位符
func (m *TakeoverManager) Takeover(app model.AppType, proxyURL string) error {
	var err error
	switch app {
	case model.AppClaude:
		err = m.takeoverClaude(proxyURL)
	case model.AppCodex:
		err = m.takeoverCodex(proxyURL)
	case model.AppGemini:
		err = m.takeoverGemini(proxyURL)
	default:
		err = fmt.Errorf("unknown app type %q", app)
	}
	if err != nil {
		return fmt.Errorf("takeover %s: %w", app, err)
	}

	m.log.Info("config taken over", "app", app, "proxy_url", proxyURL)
	return nil
}

// Restore 用备份原样覆盖实时配置并删除备份；没有备份时什么都不做
func (m *TakeoverManager) Restore(app model.AppType) error {
	doc, ok, err := m.backups.GetBackup(app)
	if err != nil {
		return fmt.Errorf("%w: load %s backup: %v", ErrConfigRead, app, err)
	}
	if !ok {
		return nil
	}

	var backup appBackup
	if err := json.Unmarshal([]byte(doc), &backup); err != nil {
		return fmt.Errorf("%w: decode %s backup: %v", ErrConfigRead, app, err)
	}

	for _, f := range backup.Files {
		if !f.Exists {
			if err := removeIfExists(f.Path); err != nil {
				return fmt.Errorf("restore %s: %w", app, err)
			}
			continue
		}
		if err := writeFileAtomic(f.Path, f.Content); err != nil {
			return fmt.Errorf("restore %s: %w", app, err)
		}
	}

	if err := m.backups.DeleteBackup(app); err != nil {
		return fmt.Errorf("%w: delete %s backup: %v", ErrConfigWrite, app, err)
	}

	m.log.Info("config restored", "app", app)
	return nil
}

// HasBackup 是否存在备份
func (m *TakeoverManager) HasBackup(app model.AppType) (bool, error) {
	_, ok, err := m.backups.GetBackup(app)
	return ok, err
}
