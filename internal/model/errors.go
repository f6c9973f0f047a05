package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// NotFound / AlreadyClaimed / InvalidTransition は業務上の結果であり、自動リトライしない。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: case, validation, auth, system
	Action   string // オペレーター向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeCaseNotFound      = "CASE_NOT_FOUND"
	ErrCodeAlreadyClaimed    = "ALREADY_CLAIMED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidMessage    = "INVALID_MESSAGE"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// ErrTransientIO はネットワークまたはストレージの一時的な失敗を表す。
// 同期ループはこのエラーをログに記録し、次回のティックで暗黙的に再試行する。
var ErrTransientIO = errors.New("transient I/O failure")

// NewTransientIOError は操作名と原因エラーをErrTransientIOでラップする。
func NewTransientIOError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}

// IsTransient はエラーが一時的なI/O失敗かを返す。
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// HasCode はエラーチェーン中のAPIErrorが指定コードを持つかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewCaseNotFoundError はケース未検出エラーを生成する。
func NewCaseNotFoundError(caseID string) *APIError {
	return &APIError{
		Code:     ErrCodeCaseNotFound,
		Message:  fmt.Sprintf("指定されたケースが見つかりません: %s", caseID),
		Category: "case",
		Action:   "一覧を更新してケースを選び直してください。",
	}
}

// NewAlreadyClaimedError は他のオペレーターが先にケースを受け付けた場合のエラーを生成する。
func NewAlreadyClaimedError(caseID string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyClaimed,
		Message:  fmt.Sprintf("このケースは既に他のオペレーターが対応しています: %s", caseID),
		Category: "case",
		Action:   "未対応の別のケースを選択してください。",
	}
}

// NewInvalidTransitionError は許可されていない状態遷移エラーを生成する。
func NewInvalidTransitionError(caseID string, from, to CaseStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("ケース %s を %s から %s に変更できません。", caseID, from, to),
		Category: "case",
		Action:   "未対応のケースは先に受け付けてください。完了済みのケースは変更できません。",
	}
}

// NewInvalidMessageError は取り込みメッセージの形式が不正な場合のエラーを生成する。
func NewInvalidMessageError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMessage,
		Message:  fmt.Sprintf("メッセージの形式が不正です: %s", reason),
		Category: "validation",
		Action:   "tenant_id、customer_id、sent_atを指定してください。",
	}
}

// NewInvalidRequestError はリクエストの形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  reason,
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewUnauthorizedError はオペレーター識別子が無い場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewRateLimitExceededError はオペレーター単位のレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーの統一レスポンスを生成する。
// 詳細はログのみに記録し、利用者には一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
