package casework

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/linedesk/internal/metrics"
	"github.com/hitoshi/linedesk/internal/model"
	"github.com/hitoshi/linedesk/internal/repository"
)

// ClaimCoordinator はケースの受付を排他的に行う。
// 同一ケースへのN件の同時受付のうち成功するのは1件のみで、
// 成功した受付はそれ以降のすべての一覧取得に反映される。
type ClaimCoordinator struct {
	repo    repository.CaseRepository
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewClaimCoordinator はClaimCoordinatorの新しいインスタンスを生成する。
func NewClaimCoordinator(repo repository.CaseRepository, m metrics.MetricsCollector) *ClaimCoordinator {
	if m == nil {
		m = metrics.Nop{}
	}
	return &ClaimCoordinator{
		repo:    repo,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Claim はunassignedのケースをactiveにし、operatorIDを担当者として設定する。
// 既に受付済みのケースにはAlreadyClaimed、完了済みのケースにはInvalidTransitionを返し、
// いずれの場合もケースは変更しない。担当者本人による再受付もAlreadyClaimedとなる。
func (c *ClaimCoordinator) Claim(ctx context.Context, caseID, operatorID string) (*model.Case, error) {
	if operatorID == "" {
		return nil, model.NewUnauthorizedError()
	}

	won, err := c.repo.Claim(ctx, caseID, operatorID, c.now())
	if err != nil {
		c.metrics.RecordClaim(metrics.ClaimResultError)
		return nil, model.NewTransientIOError("claim case", err)
	}
	if won != nil {
		c.metrics.RecordClaim(metrics.ClaimResultWon)
		c.metrics.RecordTransition(string(model.CaseStatusUnassigned), string(model.CaseStatusActive))
		slog.Info("case claimed",
			slog.String("case_id", caseID),
			slog.String("operator_id", operatorID),
		)
		return won, nil
	}

	// 比較交換に失敗した理由を判定する
	cur, err := c.repo.FindByID(ctx, caseID)
	if err != nil {
		c.metrics.RecordClaim(metrics.ClaimResultError)
		return nil, model.NewTransientIOError("claim case", err)
	}
	switch {
	case cur == nil:
		c.metrics.RecordClaim(metrics.ClaimResultNotFound)
		return nil, model.NewCaseNotFoundError(caseID)
	case cur.Status == model.CaseStatusClosed:
		c.metrics.RecordClaim(metrics.ClaimResultInvalidTransition)
		return nil, model.NewInvalidTransitionError(caseID, cur.Status, model.CaseStatusActive)
	default:
		c.metrics.RecordClaim(metrics.ClaimResultAlreadyClaimed)
		slog.Debug("claim lost",
			slog.String("case_id", caseID),
			slog.String("operator_id", operatorID),
			slog.String("owner", cur.AssignedOperator),
		)
		return nil, model.NewAlreadyClaimedError(caseID)
	}
}
