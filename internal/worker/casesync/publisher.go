package casesync

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/hitoshi/linedesk/internal/model"
	"github.com/hitoshi/linedesk/internal/queue"
)

// ConsolePublisher は表示内容を端末に表形式で出力する。
// 複数テナントのループから同時に呼ばれても出力が混ざらないよう直列化する。
type ConsolePublisher struct {
	mu  sync.Mutex
	w   io.Writer
	loc *time.Location
}

// NewConsolePublisher はConsolePublisherを生成する。locがnilの場合はローカルタイムゾーンで表示する。
func NewConsolePublisher(w io.Writer, loc *time.Location) *ConsolePublisher {
	if loc == nil {
		loc = time.Local
	}
	return &ConsolePublisher{w: w, loc: loc}
}

// Publish は3つのキューと選択中ケースを出力する。
func (p *ConsolePublisher) Publish(v View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "=== %s  未対応 %d / 対応中 %d / 履歴 %d  [表示中: %s] ===\n",
		v.TenantID, len(v.Unassigned), len(v.Active), len(v.History), v.Tab)
	if v.Notice != "" {
		fmt.Fprintf(p.w, "! %s\n", v.Notice)
	}

	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, " \tQUEUE\tCASE\tCUSTOMER\tSTATUS\tOPERATOR\tUNREAD\tLAST MESSAGE\tSNIPPET")
	for _, tab := range []queue.Tab{queue.TabUnassigned, queue.TabActive, queue.TabHistory} {
		for _, c := range queueOf(v, tab) {
			p.writeRow(tw, tab, c, c.ID == v.SelectedID)
		}
	}
	_ = tw.Flush()
}

func (p *ConsolePublisher) writeRow(w io.Writer, tab queue.Tab, c *model.Case, selected bool) {
	marker := " "
	if selected {
		marker = ">"
	}
	operator := c.AssignedOperator
	if operator == "" {
		operator = "-"
	}
	customer := c.CustomerName
	if customer == "" {
		customer = c.CustomerID
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
		marker, tab, c.ID, customer, c.Status, operator, c.UnreadCount,
		c.LastMessageAt.In(p.loc).Format("01/02 15:04"), c.LastMessageSnippet)
}

func queueOf(v View, tab queue.Tab) []*model.Case {
	switch tab {
	case queue.TabUnassigned:
		return v.Unassigned
	case queue.TabHistory:
		return v.History
	default:
		return v.Active
	}
}
