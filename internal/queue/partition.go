// Package queue はケース一覧のスナップショットから表示用のキューを導出する。
package queue

import (
	"sort"
	"time"

	"github.com/hitoshi/linedesk/internal/model"
)

// Tab はオペレーター画面のタブ。
type Tab string

const (
	TabUnassigned Tab = "unassigned"
	TabActive     Tab = "active"
	TabHistory    Tab = "history"
)

// Partitions はスナップショットを3つのキューに分割した結果。
// 各ケースはちょうど1つのキューに含まれる。
type Partitions struct {
	Unassigned []*model.Case // last_message_at 降順
	Active     []*model.Case // active と waiting。last_message_at 降順
	History    []*model.Case // closed。closed_at 降順
}

// Partition はケース一覧を未対応・対応中・履歴に分割する。
// 未知のステータスは対応中に含め、分割が常に網羅的になるようにする。
// 入力のスライスは変更しない。
func Partition(cases []*model.Case) Partitions {
	var p Partitions
	for _, c := range cases {
		switch c.Status {
		case model.CaseStatusUnassigned:
			p.Unassigned = append(p.Unassigned, c)
		case model.CaseStatusClosed:
			p.History = append(p.History, c)
		default:
			p.Active = append(p.Active, c)
		}
	}

	sortByTime(p.Unassigned, lastMessageAt)
	sortByTime(p.Active, lastMessageAt)
	sortByTime(p.History, closedAt)
	return p
}

func lastMessageAt(c *model.Case) time.Time { return c.LastMessageAt }

func closedAt(c *model.Case) time.Time {
	if c.ClosedAt == nil {
		return time.Time{}
	}
	return *c.ClosedAt
}

// sortByTime は指定時刻の降順、同時刻はID昇順で並べる。
func sortByTime(cases []*model.Case, key func(*model.Case) time.Time) {
	sort.SliceStable(cases, func(i, j int) bool {
		ti, tj := key(cases[i]), key(cases[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return cases[i].ID < cases[j].ID
	})
}

// Len は全キューの合計件数を返す。
func (p Partitions) Len() int {
	return len(p.Unassigned) + len(p.Active) + len(p.History)
}

// Queue は指定タブのキューを返す。
func (p Partitions) Queue(tab Tab) []*model.Case {
	switch tab {
	case TabUnassigned:
		return p.Unassigned
	case TabHistory:
		return p.History
	default:
		return p.Active
	}
}

// TabFor はケースのステータスが表示されるタブを返す。
func TabFor(status model.CaseStatus) Tab {
	switch status {
	case model.CaseStatusUnassigned:
		return TabUnassigned
	case model.CaseStatusClosed:
		return TabHistory
	default:
		return TabActive
	}
}
