package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/linedesk/internal/model"
)

// caseColumns はcasesテーブルのSELECT/RETURNING対象カラム。
// scanCaseの引数順と一致させること。
const caseColumns = `id, tenant_id, customer_id, customer_name, status, assigned_operator,
	opened_at, closed_at, last_message_at, last_message_snippet, unread_count, updated_at`

// PostgresCaseRepo はPostgreSQLを使用したケースリポジトリ。
type PostgresCaseRepo struct {
	db *sql.DB
}

// NewPostgresCaseRepo はPostgresCaseRepoを生成する。
func NewPostgresCaseRepo(db *sql.DB) *PostgresCaseRepo {
	return &PostgresCaseRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCase は1行をmodel.Caseに読み込む。
func scanCase(row rowScanner) (*model.Case, error) {
	c := &model.Case{}
	var status string
	var operator sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.TenantID, &c.CustomerID, &c.CustomerName,
		&status, &operator,
		&c.OpenedAt, &closedAt, &c.LastMessageAt, &c.LastMessageSnippet,
		&c.UnreadCount, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = model.CaseStatus(status)
	if operator.Valid {
		c.AssignedOperator = operator.String
	}
	if closedAt.Valid {
		t := closedAt.Time
		c.ClosedAt = &t
	}
	return c, nil
}

// queryOne は単一行を返すクエリを実行する。該当行が無い場合はnilを返す。
func (r *PostgresCaseRepo) queryOne(ctx context.Context, op, query string, args ...any) (*model.Case, error) {
	c, err := scanCase(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%sに失敗しました: %w", op, err)
	}
	return c, nil
}

// ListByTenant はテナントの全ケースをlast_message_at降順で返す。
// 単一のSELECT文で取得するため、読み取り時点で一貫したスナップショットとなる。
func (r *PostgresCaseRepo) ListByTenant(ctx context.Context, tenantID string) ([]*model.Case, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+caseColumns+`
		 FROM cases WHERE tenant_id = $1
		 ORDER BY last_message_at DESC, id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("ケース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var cases []*model.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("ケース行の読み取りに失敗しました: %w", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ケース一覧の走査に失敗しました: %w", err)
	}
	return cases, nil
}

// FindByID は指定IDのケースを取得する。見つからない場合はnilを返す。
func (r *PostgresCaseRepo) FindByID(ctx context.Context, id string) (*model.Case, error) {
	return r.queryOne(ctx, "ケースの取得",
		`SELECT `+caseColumns+` FROM cases WHERE id = $1`,
		id,
	)
}

// Claim はstatus = 'unassigned' を条件とする条件付きUPDATEで受付を行う。
// 同時に複数のClaimが実行されても、行ロックにより1件のみが条件に一致する。
func (r *PostgresCaseRepo) Claim(ctx context.Context, id, operatorID string, at time.Time) (*model.Case, error) {
	return r.queryOne(ctx, "ケースの受付",
		`UPDATE cases SET status = 'active', assigned_operator = $2, updated_at = $3
		 WHERE id = $1 AND status = 'unassigned'
		 RETURNING `+caseColumns,
		id, operatorID, at,
	)
}

// UpdateStatus は現在のステータスがfromの場合に限りtoへ変更する。
func (r *PostgresCaseRepo) UpdateStatus(ctx context.Context, id string, from, to model.CaseStatus, at time.Time) (*model.Case, error) {
	closing := to == model.CaseStatusClosed
	return r.queryOne(ctx, "ケースステータスの更新",
		`UPDATE cases SET
		    status = $3,
		    closed_at = CASE WHEN $5 THEN $4 ELSE closed_at END,
		    updated_at = $4
		 WHERE id = $1 AND status = $2
		 RETURNING `+caseColumns,
		id, string(from), string(to), at, closing,
	)
}

// RecordMessage はINSERT ON CONFLICTでケースを作成または更新する。
// UNIQUE(tenant_id, customer_id)制約を利用し、ステータスと担当者は変更しない。
func (r *PostgresCaseRepo) RecordMessage(ctx context.Context, id string, msg model.InboundMessage, at time.Time) (*model.Case, error) {
	c, err := r.queryOne(ctx, "メッセージの記録",
		`INSERT INTO cases (id, tenant_id, customer_id, customer_name, status,
		     opened_at, last_message_at, last_message_snippet, unread_count, updated_at)
		 VALUES ($1, $2, $3, $4, 'unassigned', $5, $6, $7, 1, $5)
		 ON CONFLICT (tenant_id, customer_id) DO UPDATE SET
		     customer_name = COALESCE(NULLIF(EXCLUDED.customer_name, ''), cases.customer_name),
		     last_message_at = GREATEST(cases.last_message_at, EXCLUDED.last_message_at),
		     last_message_snippet = EXCLUDED.last_message_snippet,
		     unread_count = cases.unread_count + 1,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+caseColumns,
		id, msg.TenantID, msg.CustomerID, msg.CustomerName,
		at, msg.SentAt, msg.Text,
	)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("メッセージの記録に失敗しました: no row returned for case %s", id)
	}
	return c, nil
}

// MarkRead は未読数を0にリセットする。
func (r *PostgresCaseRepo) MarkRead(ctx context.Context, id string, at time.Time) (*model.Case, error) {
	return r.queryOne(ctx, "既読化",
		`UPDATE cases SET unread_count = 0, updated_at = $2
		 WHERE id = $1
		 RETURNING `+caseColumns,
		id, at,
	)
}

// Ping はデータベースの疎通を確認する。
func (r *PostgresCaseRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// compile-time interface check
var (
	_ CaseRepository = (*PostgresCaseRepo)(nil)
	_ Pinger         = (*PostgresCaseRepo)(nil)
)
