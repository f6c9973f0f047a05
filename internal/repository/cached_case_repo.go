package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/linedesk/internal/metrics"
	"github.com/hitoshi/linedesk/internal/model"
)

const cacheKeyPrefix = "linedesk:cases:"

// CachedCaseRepo はテナント単位のケース一覧をRedisにキャッシュするデコレーター。
// 一覧のみをキャッシュし、単一ケースの取得と更新は常に下位リポジトリへ委譲する。
// 更新が成功した場合は該当テナントのキャッシュを削除する。
// Redisの障害時は下位リポジトリへフォールバックし、エラーは返さない。
type CachedCaseRepo struct {
	inner   CaseRepository
	client  *redis.Client
	ttl     time.Duration
	metrics metrics.MetricsCollector
}

// NewCachedCaseRepo はCachedCaseRepoを生成する。
// ttlは一覧の最大陳腐化時間であり、ポーリング間隔より短く設定すること。
// ttlが0以下の場合は一覧をキャッシュせず、常に下位リポジトリから取得する。
// Redisでは有効期限0が無期限を意味するため、失効しないエントリを作らない。
func NewCachedCaseRepo(inner CaseRepository, client *redis.Client, ttl time.Duration, m metrics.MetricsCollector) *CachedCaseRepo {
	if m == nil {
		m = metrics.Nop{}
	}
	return &CachedCaseRepo{inner: inner, client: client, ttl: ttl, metrics: m}
}

func tenantCacheKey(tenantID string) string {
	return cacheKeyPrefix + tenantID
}

// ListByTenant はキャッシュを優先して一覧を返す。
func (r *CachedCaseRepo) ListByTenant(ctx context.Context, tenantID string) ([]*model.Case, error) {
	if r.ttl <= 0 {
		return r.inner.ListByTenant(ctx, tenantID)
	}
	key := tenantCacheKey(tenantID)

	data, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cases []*model.Case
		if jsonErr := json.Unmarshal(data, &cases); jsonErr == nil {
			r.metrics.RecordCacheHit()
			return cases, nil
		}
		slog.Warn("discarding corrupt case cache entry", slog.String("key", key))
	case !errors.Is(err, redis.Nil):
		slog.Warn("case cache read failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	r.metrics.RecordCacheMiss()

	cases, err := r.inner.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(cases); err == nil {
		if err := r.client.Set(ctx, key, encoded, r.ttl).Err(); err != nil {
			slog.Warn("case cache write failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	return cases, nil
}

// FindByID は下位リポジトリへ委譲する。
func (r *CachedCaseRepo) FindByID(ctx context.Context, id string) (*model.Case, error) {
	return r.inner.FindByID(ctx, id)
}

// Claim は下位リポジトリへ委譲し、成功時にキャッシュを削除する。
func (r *CachedCaseRepo) Claim(ctx context.Context, id, operatorID string, at time.Time) (*model.Case, error) {
	c, err := r.inner.Claim(ctx, id, operatorID, at)
	r.invalidate(ctx, c, err)
	return c, err
}

// UpdateStatus は下位リポジトリへ委譲し、成功時にキャッシュを削除する。
func (r *CachedCaseRepo) UpdateStatus(ctx context.Context, id string, from, to model.CaseStatus, at time.Time) (*model.Case, error) {
	c, err := r.inner.UpdateStatus(ctx, id, from, to, at)
	r.invalidate(ctx, c, err)
	return c, err
}

// RecordMessage は下位リポジトリへ委譲し、成功時にキャッシュを削除する。
func (r *CachedCaseRepo) RecordMessage(ctx context.Context, id string, msg model.InboundMessage, at time.Time) (*model.Case, error) {
	c, err := r.inner.RecordMessage(ctx, id, msg, at)
	r.invalidate(ctx, c, err)
	return c, err
}

// MarkRead は下位リポジトリへ委譲し、成功時にキャッシュを削除する。
func (r *CachedCaseRepo) MarkRead(ctx context.Context, id string, at time.Time) (*model.Case, error) {
	c, err := r.inner.MarkRead(ctx, id, at)
	r.invalidate(ctx, c, err)
	return c, err
}

// invalidate は更新が成功した場合にテナントの一覧キャッシュを削除する。
// 削除に失敗してもキャッシュはTTLで失効するため、警告ログのみとする。
func (r *CachedCaseRepo) invalidate(ctx context.Context, c *model.Case, err error) {
	if err != nil || c == nil || r.ttl <= 0 {
		return
	}
	key := tenantCacheKey(c.TenantID)
	if delErr := r.client.Del(ctx, key).Err(); delErr != nil {
		slog.Warn("case cache invalidation failed",
			slog.String("key", key),
			slog.String("error", delErr.Error()),
		)
	}
}

// Ping は下位リポジトリの疎通を確認する。Redisの障害は致命的ではないため含めない。
func (r *CachedCaseRepo) Ping(ctx context.Context) error {
	if p, ok := r.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// compile-time interface check
var (
	_ CaseRepository = (*CachedCaseRepo)(nil)
	_ Pinger         = (*CachedCaseRepo)(nil)
)
