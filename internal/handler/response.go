// Package handler はオペレーター向けHTTP APIのハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/linedesk/internal/middleware"
	"github.com/hitoshi/linedesk/internal/model"
)

// caseResponse はケース情報のAPIレスポンス。
type caseResponse struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	CustomerID         string     `json:"customer_id"`
	CustomerName       string     `json:"customer_name"`
	Status             string     `json:"status"`
	AssignedOperator   string     `json:"assigned_operator"`
	OpenedAt           time.Time  `json:"opened_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	LastMessageAt      time.Time  `json:"last_message_at"`
	LastMessageSnippet string     `json:"last_message_snippet"`
	UnreadCount        int        `json:"unread_count"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// toCaseResponse はmodel.CaseからAPIレスポンスに変換する。
func toCaseResponse(c *model.Case) caseResponse {
	return caseResponse{
		ID:                 c.ID,
		TenantID:           c.TenantID,
		CustomerID:         c.CustomerID,
		CustomerName:       c.CustomerName,
		Status:             string(c.Status),
		AssignedOperator:   c.AssignedOperator,
		OpenedAt:           c.OpenedAt,
		ClosedAt:           c.ClosedAt,
		LastMessageAt:      c.LastMessageAt,
		LastMessageSnippet: c.LastMessageSnippet,
		UnreadCount:        c.UnreadCount,
		UpdatedAt:          c.UpdatedAt,
	}
}

func toCaseResponses(cases []*model.Case) []caseResponse {
	out := make([]caseResponse, len(cases))
	for i, c := range cases {
		out[i] = toCaseResponse(c)
	}
	return out
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラー（一時的なI/O失敗を含む）は内部サーバーエラーとして扱う
	slog.Error("internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
		slog.Bool("transient", model.IsTransient(err)),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeCaseNotFound:
		return http.StatusNotFound
	case model.ErrCodeAlreadyClaimed:
		return http.StatusConflict
	case model.ErrCodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case model.ErrCodeInvalidMessage, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
