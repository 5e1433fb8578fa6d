// Package security はアプリケーションのセキュリティ機能を提供する。
//
// NameSanitizer はサインアップ時に受け取る表示名からマークアップを取り除き、
// セッション応答やリソースサービスの応答にそのまま埋め込める平文に正規化する。
package security

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNameLength は表示名の最大文字数（rune数）。
const MaxNameLength = 100

// maxPasses はエスケープ済みマークアップを剥がす最大反復回数。
const maxPasses = 3

// NameSanitizer は表示名のサニタイズを行う。
// bluemondayのポリシーはスレッドセーフであり、並行に使用できる。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerを生成する。
// すべてのタグを除去するStrictPolicyを使用する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は表示名からタグを除去し、制御文字と連続空白を正規化して
// MaxNameLength文字に切り詰める。
// "&lt;b&gt;" のようにエスケープされたタグも平文化の過程で除去する。
func (s *NameSanitizer) Sanitize(name string) string {
	out := name
	for i := 0; i < maxPasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			break
		}
		out = next
	}

	out = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, out)
	out = strings.Join(strings.Fields(out), " ")

	if utf8.RuneCountInString(out) > MaxNameLength {
		out = string([]rune(out)[:MaxNameLength])
	}
	return out
}
