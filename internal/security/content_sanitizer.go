// Package security はアプリケーションのセキュリティ機能を提供する。
//
// 取り込んだ顧客メッセージのスニペットからマークアップを除去するサニタイザーと、
// アラートWebhook送信用のSSRF対策済みHTTPクライアントを含む。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultSnippetLength はスニペットの最大文字数（rune単位）。
const DefaultSnippetLength = 100

// snippetEllipsis は切り詰めたスニペットの末尾に付与する。
const snippetEllipsis = "…"

// SnippetSanitizer はケース一覧に表示するメッセージ抜粋を生成する。
type SnippetSanitizer interface {
	// Snippet は本文からタグを除去し、空白を正規化して最大長に切り詰める。
	// 同一入力に対して常に同一出力を返す。
	Snippet(text string) string
}

// snippetSanitizer はSnippetSanitizerの実装。
// bluemondayのStrictPolicyは全タグを除去し、テキストのみを残す。
type snippetSanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewSnippetSanitizer はSnippetSanitizerを生成する。maxLenが0以下の場合はDefaultSnippetLengthを使用する。
func NewSnippetSanitizer(maxLen int) *snippetSanitizer {
	if maxLen <= 0 {
		maxLen = DefaultSnippetLength
	}
	return &snippetSanitizer{
		policy: bluemonday.StrictPolicy(),
		maxLen: maxLen,
	}
}

// Snippet はプレーンテキストのスニペットを返す。
func (s *snippetSanitizer) Snippet(text string) string {
	if text == "" {
		return ""
	}

	// StrictPolicyはエンティティをエスケープして返すため、表示用に戻す
	plain := html.UnescapeString(s.policy.Sanitize(text))
	plain = strings.Join(strings.Fields(plain), " ")

	if utf8.RuneCountInString(plain) <= s.maxLen {
		return plain
	}
	runes := []rune(plain)
	return string(runes[:s.maxLen]) + snippetEllipsis
}
