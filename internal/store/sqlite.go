package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaopang/aiswitch/internal/model"
)

// Store 数据存储（SQLite）
//
// 所有访问都经过 mu 串行化，单次操作都很短。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// New 创建存储实例
func New(dbPath string) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := store.seedPricing(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed pricing: %w", err)
	}

	return store, nil
}

// migrate 数据库迁移
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS proxy_request_logs (
		request_id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		provider_name TEXT,
		app_type TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		input_cost_usd TEXT NOT NULL DEFAULT '0',
		output_cost_usd TEXT NOT NULL DEFAULT '0',
		cache_read_cost_usd TEXT NOT NULL DEFAULT '0',
		cache_creation_cost_usd TEXT NOT NULL DEFAULT '0',
		total_cost_usd TEXT NOT NULL DEFAULT '0',
		latency_ms INTEGER NOT NULL DEFAULT 0,
		status_code INTEGER NOT NULL DEFAULT 0,
		is_streaming INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_created ON proxy_request_logs(created_at);
	CREATE INDEX IF NOT EXISTS idx_usage_provider ON proxy_request_logs(provider_id);
	CREATE INDEX IF NOT EXISTS idx_usage_model ON proxy_request_logs(model);

	CREATE TABLE IF NOT EXISTS model_pricing (
		model_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		input_cost_per_million TEXT NOT NULL,
		output_cost_per_million TEXT NOT NULL,
		cache_read_cost_per_million TEXT NOT NULL DEFAULT '0',
		cache_creation_cost_per_million TEXT NOT NULL DEFAULT '0'
	);

	CREATE TABLE IF NOT EXISTS proxy_live_backups (
		app_type TEXT PRIMARY KEY,
		original_config TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS proxy_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		proxy_enabled INTEGER NOT NULL DEFAULT 0,
		listen_address TEXT NOT NULL,
		listen_port INTEGER NOT NULL,
		takeover_claude INTEGER NOT NULL DEFAULT 0,
		takeover_codex INTEGER NOT NULL DEFAULT 0,
		takeover_gemini INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// 增量迁移：为旧数据库添加 client_tool 列（已存在时报错，忽略）
	s.db.Exec("ALTER TABLE proxy_request_logs ADD COLUMN client_tool TEXT NOT NULL DEFAULT ''")

	return nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// === Proxy Settings ===

// GetProxySettings returns the persisted settings, or defaults filled from
// fallback when none were saved yet.
func (s *Store) GetProxySettings(fallback model.ProxySettings) (*model.ProxySettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st model.ProxySettings
	err := s.db.QueryRow(`
		SELECT proxy_enabled, listen_address, listen_port, takeover_claude, takeover_codex, takeover_gemini
		FROM proxy_settings WHERE id = 1
	`).Scan(&st.ProxyEnabled, &st.ListenAddress, &st.ListenPort, &st.TakeoverClaude, &st.TakeoverCodex, &st.TakeoverGemini)
	if errors.Is(err, sql.ErrNoRows) {
		return &fallback, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveProxySettings 保存代理设置（单行）
func (s *Store) SaveProxySettings(st *model.ProxySettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO proxy_settings (id, proxy_enabled, listen_address, listen_port, takeover_claude, takeover_codex, takeover_gemini)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			proxy_enabled = excluded.proxy_enabled,
			listen_address = excluded.listen_address,
			listen_port = excluded.listen_port,
			takeover_claude = excluded.takeover_claude,
			takeover_codex = excluded.takeover_codex,
			takeover_gemini = excluded.takeover_gemini
	`, st.ProxyEnabled, st.ListenAddress, st.ListenPort, st.TakeoverClaude, st.TakeoverCodex, st.TakeoverGemini)
	return err
}
