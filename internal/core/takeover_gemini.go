package core

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/subosito/gotenv"
)

// Gemini .env 中接管涉及的键
const (
	geminiBaseURLKey = "GOOGLE_GEMINI_BASE_URL"
	geminiAPIKeyKey  = "GEMINI_API_KEY"
)

// takeoverGemini 只改写两个键所在的行，缺失的键追加到文件末尾
func (m *TakeoverManager) takeoverGemini(proxyURL string) error {
	path := m.geminiEnvPath()
	data, _, err := readOptional(path)
	if err != nil {
		return err
	}

	// 格式错误的文件不改写
	if _, err := gotenv.StrictParse(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigRead, path, err)
	}

	out := setEnvValues(data, []envValue{
		{geminiBaseURLKey, proxyURL},
		{geminiAPIKeyKey, PlaceholderToken},
	})
	return writeFileAtomic(path, out)
}

type envValue struct {
	key   string
	value string
}

// envLineKey 返回 KEY=value 行的键，支持 export 前缀；注释和空行返回空串
func envLineKey(line string) string {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") {
		return ""
	}
	s = strings.TrimPrefix(s, "export ")
	key, _, ok := strings.Cut(s, "=")
	if !ok {
		key, _, ok = strings.Cut(s, ":")
		if !ok {
			return ""
		}
	}
	return strings.TrimSpace(key)
}

// setEnvValues 替换已有键所在的行（保留 export 前缀和换行风格），追加缺失的键
func setEnvValues(data []byte, values []envValue) []byte {
	lines := strings.SplitAfter(string(data), "\n")
	seen := make(map[string]bool, len(values))

	var b strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		key := envLineKey(line)
		replaced := false
		for _, v := range values {
			if key != v.key {
				continue
			}
			prefix := ""
			if strings.HasPrefix(strings.TrimSpace(line), "export ") {
				prefix = "export "
			}
			eol := ""
			switch {
			case strings.HasSuffix(line, "\r\n"):
				eol = "\r\n"
			case strings.HasSuffix(line, "\n"):
				eol = "\n"
			}
			b.WriteString(prefix + v.key + "=" + v.value + eol)
			seen[v.key] = true
			replaced = true
			break
		}
		if !replaced {
			b.WriteString(line)
		}
	}

	for _, v := range values {
		if seen[v.key] {
			continue
		}
		if s := b.String(); s != "" && !strings.HasSuffix(s, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(v.key + "=" + v.value + "\n")
	}
	return []byte(b.String())
}
