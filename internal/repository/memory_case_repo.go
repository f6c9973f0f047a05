package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/linedesk/internal/model"
)

// memoryEntry は1ケース分のレコードとケース単位のロックを保持する。
type memoryEntry struct {
	mu   sync.Mutex
	data *model.Case
}

// MemoryCaseRepo はプロセス内メモリを使用したケースリポジトリ。
// 単一プロセス構成と開発用途向け。ケース単位のMutexで更新を直列化し、
// ケース間のロックは取らない。
type MemoryCaseRepo struct {
	mu         sync.RWMutex // entries と byCustomer のマップ構造を保護する
	entries    map[string]*memoryEntry
	byCustomer map[string]string // tenantID + "\x00" + customerID -> caseID
}

// NewMemoryCaseRepo はMemoryCaseRepoを生成する。
func NewMemoryCaseRepo() *MemoryCaseRepo {
	return &MemoryCaseRepo{
		entries:    make(map[string]*memoryEntry),
		byCustomer: make(map[string]string),
	}
}

func customerKey(tenantID, customerID string) string {
	return tenantID + "\x00" + customerID
}

// Put はケースをそのまま保存する。既存の同一IDは上書きする。
// 取り込み経路を経由しない初期データ投入とテスト用。
func (r *MemoryCaseRepo) Put(c *model.Case) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[c.ID] = &memoryEntry{data: c.Clone()}
	r.byCustomer[customerKey(c.TenantID, c.CustomerID)] = c.ID
}

func (r *MemoryCaseRepo) entry(id string) *memoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// ListByTenant はテナントの全ケースをlast_message_at降順で返す。
// 各ケースはロック下でコピーするため、書きかけの状態は返らない。
func (r *MemoryCaseRepo) ListByTenant(ctx context.Context, tenantID string) ([]*model.Case, error) {
	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var cases []*model.Case
	for _, e := range entries {
		e.mu.Lock()
		if e.data.TenantID == tenantID {
			cases = append(cases, e.data.Clone())
		}
		e.mu.Unlock()
	}

	sort.SliceStable(cases, func(i, j int) bool {
		if !cases[i].LastMessageAt.Equal(cases[j].LastMessageAt) {
			return cases[i].LastMessageAt.After(cases[j].LastMessageAt)
		}
		return cases[i].ID < cases[j].ID
	})
	return cases, nil
}

// FindByID は指定IDのケースを取得する。見つからない場合はnilを返す。
func (r *MemoryCaseRepo) FindByID(ctx context.Context, id string) (*model.Case, error) {
	e := r.entry(id)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data.Clone(), nil
}

// Claim はunassignedの場合に限りactiveへ変更する。
func (r *MemoryCaseRepo) Claim(ctx context.Context, id, operatorID string, at time.Time) (*model.Case, error) {
	e := r.entry(id)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.data.Status != model.CaseStatusUnassigned {
		return nil, nil
	}
	e.data.Status = model.CaseStatusActive
	e.data.AssignedOperator = operatorID
	e.data.UpdatedAt = at
	return e.data.Clone(), nil
}

// UpdateStatus は現在のステータスがfromの場合に限りtoへ変更する。
func (r *MemoryCaseRepo) UpdateStatus(ctx context.Context, id string, from, to model.CaseStatus, at time.Time) (*model.Case, error) {
	e := r.entry(id)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.data.Status != from {
		return nil, nil
	}
	e.data.Status = to
	if to == model.CaseStatusClosed {
		closedAt := at
		e.data.ClosedAt = &closedAt
	}
	e.data.UpdatedAt = at
	return e.data.Clone(), nil
}

// RecordMessage はケースを作成または更新する。
func (r *MemoryCaseRepo) RecordMessage(ctx context.Context, id string, msg model.InboundMessage, at time.Time) (*model.Case, error) {
	key := customerKey(msg.TenantID, msg.CustomerID)

	r.mu.Lock()
	existingID, ok := r.byCustomer[key]
	if !ok {
		c := &model.Case{
			ID:                 id,
			TenantID:           msg.TenantID,
			CustomerID:         msg.CustomerID,
			CustomerName:       msg.CustomerName,
			Status:             model.CaseStatusUnassigned,
			OpenedAt:           at,
			LastMessageAt:      msg.SentAt,
			LastMessageSnippet: msg.Text,
			UnreadCount:        1,
			UpdatedAt:          at,
		}
		r.entries[id] = &memoryEntry{data: c}
		r.byCustomer[key] = id
		r.mu.Unlock()
		return c.Clone(), nil
	}
	e := r.entries[existingID]
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.CustomerName != "" {
		e.data.CustomerName = msg.CustomerName
	}
	if msg.SentAt.After(e.data.LastMessageAt) {
		e.data.LastMessageAt = msg.SentAt
	}
	e.data.LastMessageSnippet = msg.Text
	e.data.UnreadCount++
	e.data.UpdatedAt = at
	return e.data.Clone(), nil
}

// MarkRead は未読数を0にリセットする。
func (r *MemoryCaseRepo) MarkRead(ctx context.Context, id string, at time.Time) (*model.Case, error) {
	e := r.entry(id)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.data.UnreadCount = 0
	e.data.UpdatedAt = at
	return e.data.Clone(), nil
}

// Ping は常に成功する。
func (r *MemoryCaseRepo) Ping(ctx context.Context) error {
	return nil
}

// compile-time interface check
var (
	_ CaseRepository = (*MemoryCaseRepo)(nil)
	_ Pinger         = (*MemoryCaseRepo)(nil)
)
