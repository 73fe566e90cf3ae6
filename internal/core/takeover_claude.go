package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Claude settings.json 中接管涉及的 env 键
const (
	claudeBaseURLKey   = "ANTHROPIC_BASE_URL"
	claudeAuthTokenKey = "ANTHROPIC_AUTH_TOKEN"
	claudeAPIKeyKey    = "ANTHROPIC_API_KEY"
)

// claudeSettings ~/.claude/settings.json
//
// Only env is interpreted. Every other top-level field is kept in extra and
// written back unchanged, as are env entries that are not strings.
type claudeSettings struct {
	Env   map[string]json.RawMessage
	extra map[string]json.RawMessage
}

func (s *claudeSettings) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	s.Env = map[string]json.RawMessage{}
	if raw, ok := fields["env"]; ok {
		if err := json.Unmarshal(raw, &s.Env); err != nil {
			return fmt.Errorf("env: %w", err)
		}
		if s.Env == nil {
			s.Env = map[string]json.RawMessage{}
		}
		delete(fields, "env")
	}
	s.extra = fields
	return nil
}

func (s claudeSettings) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(s.extra)+1)
	for k, v := range s.extra {
		fields[k] = v
	}
	env, err := marshalRaw(s.Env)
	if err != nil {
		return nil, err
	}
	fields["env"] = env
	return marshalRaw(fields)
}

// marshalRaw 同 json.Marshal，但不转义 HTML 字符
func marshalRaw(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// setString sets an env entry to a JSON string.
func (s *claudeSettings) setString(key, value string) {
	raw, _ := marshalRaw(value)
	s.Env[key] = raw
}

// loadClaudeSettings 读取 settings.json；文件不存在或为空时返回空配置
func loadClaudeSettings(path string) (*claudeSettings, error) {
	data, _, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	settings := &claudeSettings{Env: map[string]json.RawMessage{}}
	if len(bytes.TrimSpace(data)) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigRead, path, err)
	}
	return settings, nil
}

// writeJSONFile 以两个空格缩进写入 JSON
func writeJSONFile(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// 用户配置里的 & < > 原样保留
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigWrite, path, err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

// takeoverClaude 设置 ANTHROPIC_BASE_URL；已有的凭据键替换为占位符
func (m *TakeoverManager) takeoverClaude(proxyURL string) error {
	path := m.claudeSettingsPath()
	settings, err := loadClaudeSettings(path)
	if err != nil {
		return err
	}

	settings.setString(claudeBaseURLKey, proxyURL)
	for _, key := range []string{claudeAuthTokenKey, claudeAPIKeyKey} {
		if _, ok := settings.Env[key]; ok {
			settings.setString(key, PlaceholderToken)
		}
	}

	return writeJSONFile(path, settings)
}
