// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/linedesk/internal/model"
)

// OperatorIDHeader は上流の認証基盤が付与するオペレーターIDのヘッダー名。
const OperatorIDHeader = "X-Operator-ID"

// maxOperatorIDLength はオペレーターIDとして受け付ける最大長。
const maxOperatorIDLength = 128

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// operatorIDContextKey はリクエストコンテキストにオペレーターIDを格納するためのキー。
var operatorIDContextKey = contextKey("operator_id")

// NewOperatorMiddleware はX-Operator-IDヘッダーからオペレーターIDを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// 認証自体は上流で完了している前提であり、ここでは識別子の存在と形式のみを確認する。
// ヘッダーが無いリクエストには401 Unauthorizedを返す。
func NewOperatorMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operatorID := strings.TrimSpace(r.Header.Get(OperatorIDHeader))
			if operatorID == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if len(operatorID) > maxOperatorIDLength || strings.ContainsFunc(operatorID, isControl) {
				slog.Warn("invalid operator id header",
					slog.String("path", r.URL.Path),
					slog.Int("length", len(operatorID)),
				)
				WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("オペレーターIDの形式が不正です"))
				return
			}

			ctx := context.WithValue(r.Context(), operatorIDContextKey, operatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

// OperatorIDFromContext はリクエストコンテキストからオペレーターIDを取得する。
// オペレーターミドルウェアを通過したリクエストでのみ有効。
func OperatorIDFromContext(ctx context.Context) (string, error) {
	operatorID, ok := ctx.Value(operatorIDContextKey).(string)
	if !ok || operatorID == "" {
		return "", fmt.Errorf("operator ID not found in context")
	}
	return operatorID, nil
}

// ContextWithOperatorID はコンテキストにオペレーターIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorIDContextKey, operatorID)
}
