// Package casework はケースの状態管理（CaseStore）と受付の排他制御（ClaimCoordinator）を提供する。
// ケースの状態を変更できるのはこのパッケージのみであり、
// すべての変更はリポジトリのステータス比較交換を通じて行う。
package casework

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linedesk/internal/metrics"
	"github.com/hitoshi/linedesk/internal/model"
	"github.com/hitoshi/linedesk/internal/repository"
	"github.com/hitoshi/linedesk/internal/security"
)

// maxCASAttempts は比較交換が競合した場合に現在状態を読み直す上限回数。
const maxCASAttempts = 3

// errConcurrentUpdate は比較交換の再試行上限に達した場合の原因エラー。
var errConcurrentUpdate = errors.New("case modified concurrently")

// caseNamespace はケースIDの導出に使用するUUID名前空間。
var caseNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://linedesk/cases"))

// CaseID はテナントと顧客の組から決定的なケースIDを導出する。
// 同一の組に対して常に同じIDを返すため、取り込みの再送でケースが重複しない。
func CaseID(tenantID, customerID string) string {
	return uuid.NewSHA1(caseNamespace, []byte(tenantID+"\x00"+customerID)).String()
}

// Store はケースの権威的な記録を扱うサービス。
type Store struct {
	repo      repository.CaseRepository
	sanitizer security.SnippetSanitizer
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewStore はStoreの新しいインスタンスを生成する。
// mがnilの場合はメトリクスを記録しない。
func NewStore(
	repo repository.CaseRepository,
	sanitizer security.SnippetSanitizer,
	m metrics.MetricsCollector,
) *Store {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Store{
		repo:      repo,
		sanitizer: sanitizer,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get はテナントの全ケースをlast_message_at降順のスナップショットとして返す。
func (s *Store) Get(ctx context.Context, tenantID string) ([]*model.Case, error) {
	if tenantID == "" {
		return nil, model.NewInvalidRequestError("tenant_id は必須です。")
	}
	cases, err := s.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, model.NewTransientIOError("list cases", err)
	}
	return cases, nil
}

// Find は指定IDのケースを返す。
func (s *Store) Find(ctx context.Context, caseID string) (*model.Case, error) {
	c, err := s.repo.FindByID(ctx, caseID)
	if err != nil {
		return nil, model.NewTransientIOError("find case", err)
	}
	if c == nil {
		return nil, model.NewCaseNotFoundError(caseID)
	}
	return c, nil
}

// SetTurn はケースのターンをactiveまたはwaitingに切り替える。
// 現在のステータスと同じ値を指定した場合は変更せずに現在のケースを返す。
// unassignedまたはclosedのケースに対してはInvalidTransitionを返す。
func (s *Store) SetTurn(ctx context.Context, caseID string, status model.CaseStatus) (*model.Case, error) {
	if !status.IsTurn() {
		return nil, model.NewInvalidRequestError("status は active または waiting を指定してください。")
	}
	return s.transition(ctx, "set turn", caseID, status)
}

// Close はactiveまたはwaitingのケースを完了にし、closed_atを記録する。
// 既に完了済み、または未受付のケースに対してはInvalidTransitionを返す。
func (s *Store) Close(ctx context.Context, caseID string) (*model.Case, error) {
	return s.transition(ctx, "close case", caseID, model.CaseStatusClosed)
}

// transition は現在のステータスを読み、遷移表で検証した上で比較交換する。
// 読み取りと更新の間に他の変更が入った場合は読み直して再判定する。
func (s *Store) transition(ctx context.Context, op, caseID string, to model.CaseStatus) (*model.Case, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Find(ctx, caseID)
		if err != nil {
			return nil, err
		}

		if cur.Status == to && to.IsTurn() {
			return cur, nil
		}
		// unassigned → active は受付（ClaimCoordinator）でのみ許可する
		if cur.Status == model.CaseStatusUnassigned || !model.CanTransition(cur.Status, to) {
			return nil, model.NewInvalidTransitionError(caseID, cur.Status, to)
		}

		updated, err := s.repo.UpdateStatus(ctx, caseID, cur.Status, to, s.now())
		if err != nil {
			return nil, model.NewTransientIOError(op, err)
		}
		if updated != nil {
			s.metrics.RecordTransition(string(cur.Status), string(to))
			return updated, nil
		}
	}
	return nil, model.NewTransientIOError(op, errConcurrentUpdate)
}

// MarkRead はケースの未読数を0にリセットする。
func (s *Store) MarkRead(ctx context.Context, caseID string) (*model.Case, error) {
	c, err := s.repo.MarkRead(ctx, caseID, s.now())
	if err != nil {
		return nil, model.NewTransientIOError("mark read", err)
	}
	if c == nil {
		return nil, model.NewCaseNotFoundError(caseID)
	}
	return c, nil
}

// RecordMessage は顧客メッセージの到着をケースに反映する。
// 初回の問い合わせではunassignedのケースを作成し、以降はlast_message_at・スニペット・未読数を更新する。
// 完了済みのケースは再オープンしない。
func (s *Store) RecordMessage(ctx context.Context, msg model.InboundMessage) (*model.Case, error) {
	msg.TenantID = strings.TrimSpace(msg.TenantID)
	msg.CustomerID = strings.TrimSpace(msg.CustomerID)
	msg.CustomerName = strings.TrimSpace(msg.CustomerName)

	switch {
	case msg.TenantID == "":
		return nil, model.NewInvalidMessageError("tenant_id が空です")
	case msg.CustomerID == "":
		return nil, model.NewInvalidMessageError("customer_id が空です")
	case msg.SentAt.IsZero():
		return nil, model.NewInvalidMessageError("sent_at が指定されていません")
	}

	msg.SentAt = msg.SentAt.UTC()
	msg.Text = s.sanitizer.Snippet(msg.Text)

	c, err := s.repo.RecordMessage(ctx, CaseID(msg.TenantID, msg.CustomerID), msg, s.now())
	if err != nil {
		return nil, model.NewTransientIOError("record message", err)
	}
	s.metrics.RecordMessageIngested()
	return c, nil
}

// Ping はリポジトリの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.repo.(repository.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
