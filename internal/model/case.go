// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// CaseStatus はケースの対応状態を表す。
// 値はAPIおよび永続化層でそのまま使用されるため変更しないこと。
type CaseStatus string

const (
	// CaseStatusUnassigned は担当オペレーター未定の状態。
	CaseStatusUnassigned CaseStatus = "unassigned"
	// CaseStatusActive はオペレーターが対応中の状態。
	CaseStatusActive CaseStatus = "active"
	// CaseStatusWaiting は顧客の返信待ちの状態。
	CaseStatusWaiting CaseStatus = "waiting"
	// CaseStatusClosed は対応完了の状態。終端状態であり再オープンしない。
	CaseStatusClosed CaseStatus = "closed"
)

// Valid はステータスが定義済みの値かを返す。
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseStatusUnassigned, CaseStatusActive, CaseStatusWaiting, CaseStatusClosed:
		return true
	default:
		return false
	}
}

// IsTurn はステータスがターン切り替え（active/waiting）の対象かを返す。
func (s CaseStatus) IsTurn() bool {
	return s == CaseStatusActive || s == CaseStatusWaiting
}

// transitions は許可される状態遷移表。
// unassigned → active は ClaimCoordinator 経由でのみ行う。
var transitions = map[CaseStatus][]CaseStatus{
	CaseStatusUnassigned: {CaseStatusActive},
	CaseStatusActive:     {CaseStatusWaiting, CaseStatusClosed},
	CaseStatusWaiting:    {CaseStatusActive, CaseStatusClosed},
	CaseStatusClosed:     nil,
}

// CanTransition は from から to への遷移が許可されているかを返す。
// 同一ステータスへの遷移は遷移表に含まれないためfalseとなる。
func CanTransition(from, to CaseStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Case はLINE公式アカウント上の1顧客との問い合わせ（ケース）を表す。
type Case struct {
	ID                 string
	TenantID           string // LINE公式アカウントID
	CustomerID         string // LINEユーザーID
	CustomerName       string
	Status             CaseStatus
	AssignedOperator   string // 未割当の場合は空文字
	OpenedAt           time.Time
	ClosedAt           *time.Time
	LastMessageAt      time.Time
	LastMessageSnippet string
	UnreadCount        int
	UpdatedAt          time.Time
}

// Validate はケースの不変条件を検証する。
//   - AssignedOperator が空 ⇔ Status == unassigned
//   - ClosedAt != nil ⇔ Status == closed、かつ ClosedAt >= OpenedAt
func (c *Case) Validate() error {
	if !c.Status.Valid() {
		return fmt.Errorf("case %s: unknown status %q", c.ID, c.Status)
	}
	if (c.AssignedOperator == "") != (c.Status == CaseStatusUnassigned) {
		return fmt.Errorf("case %s: assigned operator %q inconsistent with status %s", c.ID, c.AssignedOperator, c.Status)
	}
	if (c.ClosedAt != nil) != (c.Status == CaseStatusClosed) {
		return fmt.Errorf("case %s: closed_at inconsistent with status %s", c.ID, c.Status)
	}
	if c.ClosedAt != nil && c.ClosedAt.Before(c.OpenedAt) {
		return fmt.Errorf("case %s: closed_at precedes opened_at", c.ID)
	}
	if c.UnreadCount < 0 {
		return fmt.Errorf("case %s: negative unread count", c.ID)
	}
	return nil
}

// Clone はケースのディープコピーを返す。
func (c *Case) Clone() *Case {
	cp := *c
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// InboundMessage は外部のメッセージ取り込み処理から受け取る顧客メッセージ。
// ケースエンジンはLastMessageAt、スニペット、未読数の更新にのみ使用する。
type InboundMessage struct {
	TenantID     string
	CustomerID   string
	CustomerName string
	Text         string
	SentAt       time.Time
}
