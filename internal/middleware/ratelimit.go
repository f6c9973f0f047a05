package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/linedesk/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	ClaimRate       rate.Limit    // 受付のレート（req/sec）。30/60
	ClaimBurst      int           // 受付のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/operator、受付 30 req/min/operator。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteRateLimiterConfig(120, 30)
}

// PerMinuteRateLimiterConfig は1分あたりのリクエスト数からレート制限設定を生成する。
// バーストサイズは1分あたりの上限と同じにする。
func PerMinuteRateLimiterConfig(generalPerMin, claimPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		ClaimRate:       rate.Limit(float64(claimPerMin) / 60.0),
		ClaimBurst:      claimPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// operatorLimiter はオペレーターごとのレートリミッターとアクセス時刻を保持する。
type operatorLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はオペレーターごとのレート制限を管理する。
// API全般のレート制限と受付のレート制限の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*operatorLimiter

	claimMu       sync.RWMutex
	claimLimiters map[string]*operatorLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		generalLimiters: make(map[string]*operatorLimiter),
		claimLimiters:   make(map[string]*operatorLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// リクエストコンテキストにユーザーIDが含まれている必要がある（OperatorMiddlewareの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operatorID, err := OperatorIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			limiter := rl.getOrCreateGeneralLimiter(operatorID)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("operator_id", operatorID),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClaimMiddleware は受付専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) ClaimMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operatorID, err := OperatorIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			limiter := rl.getOrCreateClaimLimiter(operatorID)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.ClaimRate)
				slog.Warn("rate limit exceeded",
					slog.String("operator_id", operatorID),
					slog.String("limit_type", "claim"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// ClaimLimiterCount は現在管理されている受付リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) ClaimLimiterCount() int {
	rl.claimMu.RLock()
	defer rl.claimMu.RUnlock()
	return len(rl.claimLimiters)
}

// getOrCreateGeneralLimiter はオペレーターのAPI全般リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateGeneralLimiter(operatorID string) *rate.Limiter {
	return getOrCreateLimiter(&rl.generalMu, rl.generalLimiters, operatorID, rl.config.GeneralRate, rl.config.GeneralBurst)
}

// getOrCreateClaimLimiter はオペレーターの受付リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateClaimLimiter(operatorID string) *rate.Limiter {
	return getOrCreateLimiter(&rl.claimMu, rl.claimLimiters, operatorID, rl.config.ClaimRate, rl.config.ClaimBurst)
}

func getOrCreateLimiter(mu *sync.RWMutex, limiters map[string]*operatorLimiter, operatorID string, r rate.Limit, burst int) *rate.Limiter {
	mu.RLock()
	ol, exists := limiters[operatorID]
	mu.RUnlock()

	if exists {
		mu.Lock()
		ol.lastAccess = time.Now()
		mu.Unlock()
		return ol.limiter
	}

	mu.Lock()
	defer mu.Unlock()

	// ダブルチェック
	if ol, exists := limiters[operatorID]; exists {
		ol.lastAccess = time.Now()
		return ol.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	limiters[operatorID] = &operatorLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for operatorID, ol := range rl.generalLimiters {
		if now.Sub(ol.lastAccess) > ttl {
			delete(rl.generalLimiters, operatorID)
		}
	}
	rl.generalMu.Unlock()

	rl.claimMu.Lock()
	for operatorID, ol := range rl.claimLimiters {
		if now.Sub(ol.lastAccess) > ttl {
			delete(rl.claimLimiters, operatorID)
		}
	}
	rl.claimMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterには1トークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	WriteRateLimitResponse(w, int(math.Ceil(1.0/float64(r))))
}
