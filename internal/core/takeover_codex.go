package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2/unstable"
)

const codexAPIKeyKey = "OPENAI_API_KEY"

// takeoverCodex 改写 auth.json 的 OPENAI_API_KEY 和 config.toml 的 base_url
func (m *TakeoverManager) takeoverCodex(proxyURL string) error {
	if err := m.takeoverCodexAuth(); err != nil {
		return err
	}
	return m.takeoverCodexConfig(strings.TrimRight(proxyURL, "/") + "/v1")
}

// takeoverCodexAuth 其余字段原样保留
func (m *TakeoverManager) takeoverCodexAuth() error {
	path := m.codexAuthPath()
	data, _, err := readOptional(path)
	if err != nil {
		return err
	}

	auth := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &auth); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigRead, path, err)
		}
		if auth == nil {
			auth = map[string]json.RawMessage{}
		}
	}
	auth[codexAPIKeyKey], _ = json.Marshal(PlaceholderToken)

	return writeJSONFile(path, auth)
}

// takeoverCodexConfig 只替换 base_url 的值，注释和顺序保持不变
func (m *TakeoverManager) takeoverCodexConfig(baseURL string) error {
	path := m.codexConfigPath()
	data, _, err := readOptional(path)
	if err != nil {
		return err
	}

	out, err := setCodexBaseURL(data, baseURL)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigRead, path, err)
	}
	return writeFileAtomic(path, out)
}

// tomlSection 文档中一个表（根表的 path 为空）
type tomlSection struct {
	// headerEnd 表头所在行之后的偏移；根表为 0
	headerEnd int
	// lastValueEnd 表内最后一个键值对所在行之后的偏移，-1 表示没有
	lastValueEnd int
	// baseURL base_url 值的字节范围
	baseURL       [2]int
	hasBaseURL    bool
	baseURLString bool
}

// codexDocument config.toml 中接管关心的结构
type codexDocument struct {
	modelProvider string
	sections      map[string]*tomlSection
}

// tomlPath joins key parts into a map key. Parts may contain dots, so a
// separator that cannot appear in a bare or quoted key is used.
func tomlPath(parts []string) string {
	return strings.Join(parts, "\x00")
}

func keyParts(it unstable.Iterator) []string {
	var parts []string
	for it.Next() {
		parts = append(parts, string(it.Node().Data))
	}
	return parts
}

// lineEnd returns the offset just past the newline that ends the line
// containing offset, or len(data) when it is the last line.
func lineEnd(data []byte, offset int) int {
	if i := bytes.IndexByte(data[offset:], '\n'); i >= 0 {
		return offset + i + 1
	}
	return len(data)
}

// scanCodexDocument 用 go-toml 的底层解析器定位各个表和 base_url
func scanCodexDocument(data []byte) (*codexDocument, error) {
	doc := &codexDocument{
		sections: map[string]*tomlSection{
			"": {headerEnd: 0, lastValueEnd: -1},
		},
	}

	var p unstable.Parser
	p.Reset(data)

	var current []string
	for p.NextExpression() {
		e := p.Expression()
		switch e.Kind {
		case unstable.Table, unstable.ArrayTable:
			current = keyParts(e.Key())
			it := e.Key()
			var last *unstable.Node
			for it.Next() {
				last = it.Node()
			}
			end := 0
			if last != nil {
				end = lineEnd(data, int(last.Raw.Offset+last.Raw.Length))
			}
			if e.Kind == unstable.ArrayTable {
				// 数组表不作为接管目标
				current = append([]string{"\x00array"}, current...)
			}
			key := tomlPath(current)
			if _, ok := doc.sections[key]; !ok {
				doc.sections[key] = &tomlSection{headerEnd: end, lastValueEnd: -1}
			}

		case unstable.KeyValue:
			parts := append(slices.Clone(current), keyParts(e.Key())...)
			value := e.Value()
			name := parts[len(parts)-1]
			owner := tomlPath(parts[:len(parts)-1])

			if sec, ok := doc.sections[tomlPath(current)]; ok {
				sec.lastValueEnd = lineEnd(data, int(e.Raw.Offset+e.Raw.Length))
			}

			if len(parts) == 1 && name == "model_provider" && value.Kind == unstable.String {
				doc.modelProvider = string(value.Data)
			}
			if name == "base_url" {
				sec, ok := doc.sections[owner]
				if !ok {
					// 点分键隐式定义的表
					sec = &tomlSection{headerEnd: -1, lastValueEnd: -1}
					doc.sections[owner] = sec
				}
				sec.hasBaseURL = true
				sec.baseURLString = value.Kind == unstable.String
				sec.baseURL = [2]int{int(value.Raw.Offset), int(value.Raw.Offset + value.Raw.Length)}
			}
		}
	}
	if err := p.Error(); err != nil {
		return nil, err
	}
	return doc, nil
}

// tomlBasicString 编码为 TOML 基本字符串
func tomlBasicString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\u%04X`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// setCodexBaseURL 设置 base_url。model_provider 指向的 [model_providers.X]
// 存在时写入该表，否则写入根表。
func setCodexBaseURL(data []byte, baseURL string) ([]byte, error) {
	doc, err := scanCodexDocument(data)
	if err != nil {
		return nil, err
	}

	target := doc.sections[""]
	if doc.modelProvider != "" {
		if sec, ok := doc.sections[tomlPath([]string{"model_providers", doc.modelProvider})]; ok {
			target = sec
		}
	}

	value := tomlBasicString(baseURL)

	if target.hasBaseURL {
		if !target.baseURLString {
			return nil, fmt.Errorf("base_url is not a string")
		}
		out := make([]byte, 0, len(data)+len(value))
		out = append(out, data[:target.baseURL[0]]...)
		out = append(out, value...)
		out = append(out, data[target.baseURL[1]:]...)
		return out, nil
	}

	at := target.lastValueEnd
	if at < 0 {
		at = target.headerEnd
	}
	if at < 0 {
		return nil, fmt.Errorf("cannot place base_url in a dotted-key table")
	}

	line := "base_url = " + value + "\n"
	out := make([]byte, 0, len(data)+len(line)+1)
	out = append(out, data[:at]...)
	if at > 0 && data[at-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, line...)
	out = append(out, data[at:]...)
	return out, nil
}
