package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/hitoshi/linedesk/internal/model"
)

// IngestTokenHeader はメッセージ取り込み元が送信する共有トークンのヘッダー名。
const IngestTokenHeader = "X-Ingest-Token"

// NewIngestTokenMiddleware はメッセージ取り込みエンドポイントの共有トークンを検証するミドルウェアを返す。
// tokenが空の場合は検証を行わない（取り込み元と同一ネットワーク内でのみ公開する構成向け）。
// トークンの比較は定数時間で行う。
func NewIngestTokenMiddleware(token string) func(next http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get(IngestTokenHeader)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				slog.Warn("ingest token validation failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Bool("token_present", got != ""),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
