package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linedesk/internal/metrics"
	"github.com/hitoshi/linedesk/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	IngestToken       string
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector

	// ケース
	CaseService  CaseServiceInterface
	ClaimService ClaimServiceInterface

	// 運用
	Health         HealthChecker
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Operator → RateLimit(General)
//
// /health、/metrics、メッセージ取り込みはオペレーター識別の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	caseHandler := NewCaseHandler(deps.CaseService, deps.ClaimService)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.Health))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- メッセージ取り込み（共有トークン） ---
	r.With(middleware.NewIngestTokenMiddleware(deps.IngestToken)).
		Post("/api/ingest/messages", caseHandler.IngestMessage)

	// --- オペレーター向けルート ---
	// ミドルウェアスタック: Operator → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOperatorMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/cases", caseHandler.ListCases)
			r.Get("/queues", caseHandler.ListQueues)
		})

		r.Route("/api/cases/{id}", func(r chi.Router) {
			// POST /api/cases/{id}/claim - 受付（受付専用レート制限を追加）
			r.With(deps.RateLimiter.ClaimMiddleware()).Post("/claim", caseHandler.Claim)
			r.Put("/turn", caseHandler.SetTurn)
			r.Post("/close", caseHandler.Close)
			r.Post("/read", caseHandler.MarkRead)
		})
	})

	return r
}
