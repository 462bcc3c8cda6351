package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultErrorSnippetLength はlast_errorに保存する応答本文の最大文字数。
const DefaultErrorSnippetLength = 256

// ErrorSanitizer はリモートサーバーの応答本文をlast_errorに保存できる形に整える。
// 応答はHTMLのエラーページであることが多く、そのまま管理APIで返すと
// ダッシュボードにマークアップが混入するため、全タグを除去して短く切り詰める。
type ErrorSanitizer struct {
	policy *bluemonday.Policy
	max    int
}

// NewErrorSanitizer はErrorSanitizerを生成する。maxLenが0以下の場合はDefaultErrorSnippetLength。
func NewErrorSanitizer(maxLen int) *ErrorSanitizer {
	if maxLen <= 0 {
		maxLen = DefaultErrorSnippetLength
	}
	return &ErrorSanitizer{
		policy: bluemonday.StrictPolicy(),
		max:    maxLen,
	}
}

// Snippet は応答本文からタグを除去し、空白を詰めて最大長に切り詰める。
func (s *ErrorSanitizer) Snippet(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !utf8.Valid(body) {
		body = []byte(strings.ToValidUTF8(string(body), "?"))
	}

	text := html.UnescapeString(string(s.policy.SanitizeBytes(body)))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) <= s.max {
		return text
	}
	runes := []rune(text)
	return string(runes[:s.max]) + "…"
}
