// Package casesync はオペレーターセッションごとのケース同期ループを提供する。
// 一定間隔でケース一覧を取得し、キューへの分割、新着アラート判定、
// 選択中ケースの補正を行い、表示内容に変化があった場合のみ発行する。
package casesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/hitoshi/linedesk/internal/metrics"
	"github.com/hitoshi/linedesk/internal/model"
	"github.com/hitoshi/linedesk/internal/notify"
	"github.com/hitoshi/linedesk/internal/queue"
)

// DefaultInterval は同期間隔のデフォルト値。
const DefaultInterval = 10 * time.Second

// CaseSource はテナントのケース一覧を取得する。
type CaseSource interface {
	ListCases(ctx context.Context, tenantID string) ([]*model.Case, error)
}

// CaseActions はオペレーターによるケース操作を実行する。
// 操作者の識別はCaseActionsの実装が持つ。
type CaseActions interface {
	ClaimCase(ctx context.Context, caseID string) (*model.Case, error)
	SetCaseTurn(ctx context.Context, caseID string, status model.CaseStatus) (*model.Case, error)
	CloseCase(ctx context.Context, caseID string) (*model.Case, error)
	MarkRead(ctx context.Context, caseID string) (*model.Case, error)
}

// Publisher は表示内容を受け取る。
type Publisher interface {
	Publish(view View)
}

// PublisherFunc は関数をPublisherとして使うためのアダプタ。
type PublisherFunc func(view View)

// Publish はf(view)を呼び出す。
func (f PublisherFunc) Publish(view View) { f(view) }

// View はオペレーター画面に表示する内容。
type View struct {
	TenantID   string
	Unassigned []*model.Case
	Active     []*model.Case
	History    []*model.Case
	SelectedID string
	Tab        queue.Tab
	Notice     string // 直近の操作が失敗した場合のメッセージ
}

// Selected は選択中のケースを返す。選択が無い場合はnilを返す。
func (v View) Selected() *model.Case {
	if v.SelectedID == "" {
		return nil
	}
	for _, list := range [][]*model.Case{v.Unassigned, v.Active, v.History} {
		for _, c := range list {
			if c.ID == v.SelectedID {
				return c
			}
		}
	}
	return nil
}

// Config は同期ループの設定。
type Config struct {
	TenantID      string
	OperatorID    string
	Interval      time.Duration // 0以下の場合はDefaultInterval
	AlertCooldown time.Duration // 0以下の場合はnotify.DefaultCooldown
}

// Deps は同期ループの依存コンポーネント。AlerterとMetricsは省略可能。
type Deps struct {
	Source    CaseSource
	Actions   CaseActions
	Alerter   notify.Alerter
	Publisher Publisher
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger
}

// noticeTransient は通信失敗時に表示するメッセージ。
const noticeTransient = "サーバーとの通信に失敗しました。しばらくしてから再度お試しください。"

// Loop はオペレーターセッション1つ分の同期ループ。
// ティックと操作はmuで直列化され、同時に実行されることはない。
type Loop struct {
	tenantID   string
	operatorID string
	interval   time.Duration

	source    CaseSource
	actions   CaseActions
	watcher   *notify.Watcher
	alerter   notify.Alerter
	publisher Publisher
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	snapshot   []*model.Case
	partitions queue.Partitions
	selectedID string
	tab        queue.Tab
	notice     string
	published  *View

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop は同期ループを生成する。
func NewLoop(cfg Config, deps Deps) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{
		tenantID:   cfg.TenantID,
		operatorID: cfg.OperatorID,
		interval:   cfg.Interval,
		source:     deps.Source,
		actions:    deps.Actions,
		watcher:    notify.NewWatcher(cfg.AlertCooldown),
		alerter:    deps.Alerter,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With(slog.String("tenant_id", cfg.TenantID)),
		now:        time.Now,
		tab:        queue.TabUnassigned,
	}
}

// TenantID は同期対象のテナントIDを返す。
func (l *Loop) TenantID() string { return l.tenantID }

// Run は起動直後に1回同期し、以降はintervalごとに同期する。
// コンテキストがキャンセルされるまで実行を継続する。
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("ケース同期ループを開始しました",
		slog.Duration("interval", l.interval),
		slog.String("operator_id", l.operatorID),
	)

	_ = l.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("ケース同期ループを停止しました")
			return
		case <-ticker.C:
			// 停止とティックが同時に発火した場合は停止を優先する
			if ctx.Err() != nil {
				continue
			}
			_ = l.Tick(ctx)
		}
	}
}

// Start はバックグラウンドで同期ループを開始する。
// 既に実行中の場合はエラーを返す。再開時は新着アラートの基準値を取り直す。
func (l *Loop) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.cancel != nil {
		return fmt.Errorf("sync loop for tenant %s is already running", l.tenantID)
	}

	l.watcher.Reset()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		l.Run(runCtx)
	}()
	return nil
}

// Stop は同期ループを停止し、実行中のティックの完了を待つ。
// Stopが戻った後にティックが実行されることはない。未起動の場合は何もしない。
func (l *Loop) Stop() {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel = nil
	l.done = nil
}

// Tick は1回分の同期を行う。
// 取得に失敗した場合は直前のスナップショットを維持し、何も発行しない。
func (l *Loop) Tick(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.refresh(ctx); err != nil {
		return err
	}
	l.reconcileSelection()
	l.publish()
	return nil
}

// refresh はスナップショットを取得し、分割と新着アラート判定を行う。呼び出し側でmuを保持すること。
func (l *Loop) refresh(ctx context.Context) error {
	start := l.now()

	cases, err := l.source.ListCases(ctx, l.tenantID)
	if err != nil {
		l.metrics.RecordSyncFailure(l.tenantID)
		l.logger.Warn("ケース一覧の取得に失敗しました。次回の同期で再試行します",
			slog.String("error", err.Error()),
		)
		return err
	}
	l.metrics.RecordSyncTick(l.tenantID, l.now().Sub(start))

	l.snapshot = cases
	l.partitions = queue.Partition(cases)

	unassigned := len(l.partitions.Unassigned)
	if l.watcher.Tick(unassigned, l.now()) {
		l.playAlert(ctx, unassigned)
	}
	return nil
}

func (l *Loop) playAlert(ctx context.Context, unassigned int) {
	l.metrics.RecordAlert()
	if l.alerter == nil {
		return
	}
	alert := notify.Alert{
		OperatorID:      l.operatorID,
		TenantID:        l.tenantID,
		UnassignedCount: unassigned,
		At:              l.now().UTC(),
	}
	if err := l.alerter.PlayAlert(ctx, alert); err != nil {
		l.logger.Warn("新着アラートの通知に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// reconcileSelection は選択中のケースがスナップショットから消えた場合に選択を補正する。
// 他のオペレーターが受け付けたケースは一覧に残るため選択を維持する。
// 補正順は未対応の先頭、全ケースの先頭、選択なしの順。
func (l *Loop) reconcileSelection() {
	if l.selectedID != "" && l.find(l.selectedID) != nil {
		return
	}
	switch {
	case len(l.partitions.Unassigned) > 0:
		l.selectedID = l.partitions.Unassigned[0].ID
	case len(l.snapshot) > 0:
		l.selectedID = l.snapshot[0].ID
	default:
		l.selectedID = ""
	}
}

func (l *Loop) find(caseID string) *model.Case {
	for _, c := range l.snapshot {
		if c.ID == caseID {
			return c
		}
	}
	return nil
}

// view は現在の状態から表示内容を組み立てる。
func (l *Loop) view() View {
	return View{
		TenantID:   l.tenantID,
		Unassigned: l.partitions.Unassigned,
		Active:     l.partitions.Active,
		History:    l.partitions.History,
		SelectedID: l.selectedID,
		Tab:        l.tab,
		Notice:     l.notice,
	}
}

// publish は直前に発行した内容と構造的に異なる場合のみ発行する。
func (l *Loop) publish() {
	v := l.view()
	if l.published != nil && reflect.DeepEqual(*l.published, v) {
		return
	}
	l.published = &v
	if l.publisher != nil {
		l.publisher.Publish(v)
	}
}

// View は現在の表示内容を返す。
func (l *Loop) View() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view()
}

// Select はケースを選択し、そのケースのステータスに対応するタブへ切り替える。
// 未読がある場合は既読化する。既読化の失敗は選択を妨げない。
func (l *Loop) Select(ctx context.Context, caseID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.find(caseID)
	if c == nil {
		err := model.NewCaseNotFoundError(caseID)
		l.notice = err.Message
		l.publish()
		return err
	}

	l.selectedID = caseID
	l.tab = queue.TabFor(c.Status)
	l.notice = ""

	if c.UnreadCount > 0 {
		if read, err := l.actions.MarkRead(ctx, caseID); err != nil {
			l.logger.Warn("既読化に失敗しました",
				slog.String("case_id", caseID),
				slog.String("error", err.Error()),
			)
		} else {
			l.replace(read)
		}
	}
	l.publish()
	return nil
}

// Claim は選択中かどうかに関わらず指定ケースを受け付ける。
// 失敗した場合は即座にスナップショットを取り直す。
func (l *Loop) Claim(ctx context.Context, caseID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.actions.ClaimCase(ctx, caseID)
	return l.afterAction(ctx, caseID, c, err)
}

// SetTurn は対応中ケースのターンを切り替える。
func (l *Loop) SetTurn(ctx context.Context, caseID string, status model.CaseStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.actions.SetCaseTurn(ctx, caseID, status)
	return l.afterAction(ctx, caseID, c, err)
}

// Close はケースを完了にする。
func (l *Loop) Close(ctx context.Context, caseID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.actions.CloseCase(ctx, caseID)
	return l.afterAction(ctx, caseID, c, err)
}

// MarkRead はケースを既読にする。タブは切り替えない。
func (l *Loop) MarkRead(ctx context.Context, caseID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.actions.MarkRead(ctx, caseID)
	if err != nil {
		l.notice = noticeFor(err)
		l.publish()
		return err
	}
	l.notice = ""
	l.replace(c)
	l.publish()
	return nil
}

// afterAction は操作結果を反映する。呼び出し側でmuを保持すること。
// 成功時は対象ケースを選択してそのステータスのタブへ切り替え、失敗時はメッセージを表示する。
// いずれの場合もスナップショットを取り直す。取り直しに失敗しても操作結果はローカルに反映する。
func (l *Loop) afterAction(ctx context.Context, caseID string, c *model.Case, actionErr error) error {
	if actionErr != nil {
		l.notice = noticeFor(actionErr)
		l.logger.Info("ケース操作が失敗しました",
			slog.String("case_id", caseID),
			slog.String("error", actionErr.Error()),
		)
	} else {
		l.notice = ""
		l.selectedID = c.ID
		l.tab = queue.TabFor(c.Status)
	}

	if err := l.refresh(ctx); err != nil && c != nil {
		l.replace(c)
	}
	l.reconcileSelection()
	l.publish()
	return actionErr
}

// replace はスナップショット内の同一IDのケースを置き換え、分割をやり直す。
func (l *Loop) replace(c *model.Case) {
	if c == nil {
		return
	}
	next := make([]*model.Case, 0, len(l.snapshot)+1)
	found := false
	for _, old := range l.snapshot {
		if old.ID == c.ID {
			next = append(next, c)
			found = true
			continue
		}
		next = append(next, old)
	}
	if !found {
		next = append(next, c)
	}
	l.snapshot = next
	l.partitions = queue.Partition(next)
}

// noticeFor はエラーからオペレーター向けメッセージを生成する。
func noticeFor(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return noticeTransient
}
