package api

import (
	"strings"
	"unicode/utf8"
)

// logSnippet 把上游响应体压成单行并截断到 max 字节，不截断多字节字符
func logSnippet(b []byte, max int) string {
	if max <= 0 {
		return ""
	}
	s := strings.Join(strings.Fields(string(b)), " ")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
