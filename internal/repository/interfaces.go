// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/linedesk/internal/model"
)

// CaseRepository はケースデータの永続化インターフェース。
// 状態を変更する操作はすべてステータスの比較交換（compare-and-set）で実装し、
// 同一ケースへの同時更新を直列化する。ケース間のロックは行わない。
type CaseRepository interface {
	// ListByTenant はテナントの全ケースをlast_message_at降順で返す。
	// 返すスナップショットに書きかけの状態が含まれてはならない。
	ListByTenant(ctx context.Context, tenantID string) ([]*model.Case, error)

	// FindByID は指定IDのケースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Case, error)

	// Claim はステータスがunassignedの場合に限りactiveへ変更し担当オペレーターを設定する。
	// 条件に一致しなかった場合（存在しない・既に受付済み）はnilを返す。
	Claim(ctx context.Context, id, operatorID string, at time.Time) (*model.Case, error)

	// UpdateStatus は現在のステータスがfromと一致する場合に限りtoへ変更する。
	// toがclosedの場合はclosed_atをatで設定する。
	// 条件に一致しなかった場合はnilを返す。
	UpdateStatus(ctx context.Context, id string, from, to model.CaseStatus, at time.Time) (*model.Case, error)

	// RecordMessage は顧客メッセージの到着を記録する。
	// ケースが存在しない場合はunassignedで作成し、存在する場合は
	// last_message_at（単調増加）、スニペット、未読数を更新する。ステータスは変更しない。
	RecordMessage(ctx context.Context, id string, msg model.InboundMessage, at time.Time) (*model.Case, error)

	// MarkRead は未読数を0にリセットする。見つからない場合はnilを返す。
	MarkRead(ctx context.Context, id string, at time.Time) (*model.Case, error)
}

// Pinger はバックエンドの疎通確認インターフェース。
type Pinger interface {
	Ping(ctx context.Context) error
}
