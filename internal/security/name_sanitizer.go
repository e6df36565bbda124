package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// maxNameLength は保存する姓・名それぞれの最大文字数。
const maxNameLength = 100

// NameSanitizer はIdPや登録フォームから受け取った表示名からマークアップを取り除く。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はタグを一切許可しないポリシーでNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeName はタグと制御文字を除去し、前後の空白を詰めた名前を返す。
// bluemondayがエスケープした実体参照は元の文字に戻す。JSONで返すため再エスケープは不要。
func (s *NameSanitizer) SanitizeName(name string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(name))
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if runes := []rune(cleaned); len(runes) > maxNameLength {
		cleaned = string(runes[:maxNameLength])
	}
	return cleaned
}
