package queue

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/hitoshi/linedesk/internal/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func mkCase(id string, status model.CaseStatus, lastMsg time.Duration) *model.Case {
	c := &model.Case{
		ID:            id,
		TenantID:      "tenant-1",
		Status:        status,
		OpenedAt:      t0,
		LastMessageAt: t0.Add(lastMsg),
	}
	if status != model.CaseStatusUnassigned {
		c.AssignedOperator = "op-a"
	}
	return c
}

func closedCase(id string, closedAfter time.Duration) *model.Case {
	c := mkCase(id, model.CaseStatusClosed, 0)
	at := t0.Add(closedAfter)
	c.ClosedAt = &at
	return c
}

func ids(cases []*model.Case) []string {
	out := make([]string, len(cases))
	for i, c := range cases {
		out[i] = c.ID
	}
	return out
}

func assertIDs(t *testing.T, label string, got []*model.Case, want ...string) {
	t.Helper()
	g := ids(got)
	if fmt.Sprint(g) != fmt.Sprint(want) {
		t.Errorf("%s = %v, want %v", label, g, want)
	}
}

func TestPartition_Ordering(t *testing.T) {
	cases := []*model.Case{
		mkCase("u-old", model.CaseStatusUnassigned, 1*time.Minute),
		mkCase("a-new", model.CaseStatusActive, 5*time.Minute),
		closedCase("h-first", time.Hour),
		mkCase("u-new", model.CaseStatusUnassigned, 3*time.Minute),
		mkCase("w-mid", model.CaseStatusWaiting, 4*time.Minute),
		closedCase("h-last", 2*time.Hour),
		mkCase("a-old", model.CaseStatusActive, 2*time.Minute),
	}

	p := Partition(cases)

	assertIDs(t, "unassigned", p.Unassigned, "u-new", "u-old")
	assertIDs(t, "active", p.Active, "a-new", "w-mid", "a-old")
	assertIDs(t, "history", p.History, "h-last", "h-first")
}

// TestPartition_TieBreakByID は同時刻のケースがID順で安定して並ぶことを検証する。
func TestPartition_TieBreakByID(t *testing.T) {
	p := Partition([]*model.Case{
		mkCase("b", model.CaseStatusUnassigned, time.Minute),
		mkCase("a", model.CaseStatusUnassigned, time.Minute),
		mkCase("c", model.CaseStatusUnassigned, time.Minute),
	})
	assertIDs(t, "unassigned", p.Unassigned, "a", "b", "c")
}

// TestPartition_TotalAndDisjoint はランダムな入力に対して分割が網羅的かつ排他的であることを検証する。
func TestPartition_TotalAndDisjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []model.CaseStatus{
		model.CaseStatusUnassigned,
		model.CaseStatusActive,
		model.CaseStatusWaiting,
		model.CaseStatusClosed,
		"unknown",
	}

	for round := 0; round < 50; round++ {
		n := rng.Intn(40)
		cases := make([]*model.Case, n)
		for i := range cases {
			status := statuses[rng.Intn(len(statuses))]
			offset := time.Duration(rng.Intn(600)) * time.Second
			if status == model.CaseStatusClosed {
				cases[i] = closedCase(fmt.Sprintf("c%d", i), offset)
			} else {
				cases[i] = mkCase(fmt.Sprintf("c%d", i), status, offset)
			}
		}

		p := Partition(cases)
		if p.Len() != n {
			t.Fatalf("round %d: partition size %d, want %d", round, p.Len(), n)
		}

		seen := map[string]Tab{}
		for _, tab := range []Tab{TabUnassigned, TabActive, TabHistory} {
			for _, c := range p.Queue(tab) {
				if prev, dup := seen[c.ID]; dup {
					t.Fatalf("round %d: case %s in both %s and %s", round, c.ID, prev, tab)
				}
				seen[c.ID] = tab
				if c.Status.Valid() && TabFor(c.Status) != tab {
					t.Fatalf("round %d: case %s (%s) placed in %s", round, c.ID, c.Status, tab)
				}
			}
		}
		if len(seen) != n {
			t.Fatalf("round %d: %d distinct cases, want %d", round, len(seen), n)
		}

		for i := 1; i < len(p.Unassigned); i++ {
			if p.Unassigned[i].LastMessageAt.After(p.Unassigned[i-1].LastMessageAt) {
				t.Fatalf("round %d: unassigned not sorted", round)
			}
		}
		for i := 1; i < len(p.History); i++ {
			if p.History[i].ClosedAt.After(*p.History[i-1].ClosedAt) {
				t.Fatalf("round %d: history not sorted", round)
			}
		}
	}
}

func TestPartition_DoesNotMutateInput(t *testing.T) {
	cases := []*model.Case{
		mkCase("a", model.CaseStatusUnassigned, time.Minute),
		mkCase("b", model.CaseStatusUnassigned, 2*time.Minute),
	}
	_ = Partition(cases)
	if cases[0].ID != "a" || cases[1].ID != "b" {
		t.Errorf("input reordered: %v", ids(cases))
	}
}

func TestPartition_Empty(t *testing.T) {
	p := Partition(nil)
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0", p.Len())
	}
}

func TestTabFor(t *testing.T) {
	tests := []struct {
		status model.CaseStatus
		want   Tab
	}{
		{model.CaseStatusUnassigned, TabUnassigned},
		{model.CaseStatusActive, TabActive},
		{model.CaseStatusWaiting, TabActive},
		{model.CaseStatusClosed, TabHistory},
	}
	for _, tt := range tests {
		if got := TabFor(tt.status); got != tt.want {
			t.Errorf("TabFor(%s) = %s, want %s", tt.status, got, tt.want)
		}
	}
}
