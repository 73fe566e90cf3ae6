package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/xiaopang/aiswitch/internal/model"
)

// === Takeover Backups ===

// SaveBackup 保存（覆盖）某个应用的配置备份，每个应用最多一份
func (s *Store) SaveBackup(app model.AppType, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO proxy_live_backups (app_type, original_config, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(app_type) DO UPDATE SET
			original_config = excluded.original_config,
			created_at = excluded.created_at
	`, string(app), content, time.Now().Unix())
	return err
}

// GetBackup 读取备份；ok 为 false 表示不存在
func (s *Store) GetBackup(app model.AppType) (content string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.QueryRow("SELECT original_config FROM proxy_live_backups WHERE app_type = ?", string(app)).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

// DeleteBackup 删除备份（不存在时不报错）
func (s *Store) DeleteBackup(app model.AppType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM proxy_live_backups WHERE app_type = ?", string(app))
	return err
}

// ListBackups 列出存在备份的应用
func (s *Store) ListBackups() ([]model.AppType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT app_type FROM proxy_live_backups ORDER BY app_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []model.AppType
	for rows.Next() {
		var app string
		if err := rows.Scan(&app); err != nil {
			return nil, err
		}
		apps = append(apps, model.AppType(app))
	}
	return apps, rows.Err()
}
