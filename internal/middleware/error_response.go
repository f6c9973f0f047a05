package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hitoshi/linedesk/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// サーバーが書き込み、オペレーター端末のAPIクライアントが読み戻す。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// APIError はレスポンスボディをmodel.APIErrorに復元する。codeが空の場合はnilを返す。
func (b *ErrorResponseBody) APIError() *model.APIError {
	if b == nil || b.Code == "" {
		return nil
	}
	return &model.APIError{
		Code:     b.Code,
		Message:  b.Message,
		Category: b.Category,
		Action:   b.Action,
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// ケース情報を含みうるため、エラー応答もキャッシュさせない。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、オペレーターには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteRateLimitResponse は429レスポンスをRetry-After付きで書き込む。
func WriteRateLimitResponse(w http.ResponseWriter, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitExceededError())
}
