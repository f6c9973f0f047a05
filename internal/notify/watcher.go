// Package notify は未対応ケースの増加を監視し、新着アラートの発報を判定する。
package notify

import (
	"sync"
	"time"
)

// DefaultCooldown はアラート発報の最小間隔。
const DefaultCooldown = 5 * time.Second

// Watcher は未対応件数の推移を観測し、クールダウン付きでアラートの要否を判定する。
// 初期化直後（およびReset後）の最初の観測は基準値の取得のみで、アラートしない。
// ゼロ値は使用できない。NewWatcherで生成すること。
type Watcher struct {
	mu          sync.Mutex
	cooldown    time.Duration
	previous    int
	hasBaseline bool
	lastAlertAt time.Time // ゼロ値は未発報
}

// NewWatcher はWatcherを生成する。cooldownが0以下の場合はDefaultCooldownを使用する。
func NewWatcher(cooldown time.Duration) *Watcher {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Watcher{cooldown: cooldown}
}

// Tick は未対応件数countを観測し、アラートすべきかを返す。
// 件数が前回より増加し、かつ前回の発報からcooldown以上経過している場合にtrueとなる。
// 前回件数は毎回更新し、発報時刻は発報した場合のみ更新する。
func (w *Watcher) Tick(count int, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	increased := w.hasBaseline && count > w.previous
	shouldAlert := increased && (w.lastAlertAt.IsZero() || now.Sub(w.lastAlertAt) >= w.cooldown)

	w.previous = count
	w.hasBaseline = true
	if shouldAlert {
		w.lastAlertAt = now
	}
	return shouldAlert
}

// Reset は観測状態を初期化する。次のTickは再び基準値の取得のみとなる。
func (w *Watcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.previous = 0
	w.hasBaseline = false
	w.lastAlertAt = time.Time{}
}

// Previous は直近に観測した未対応件数を返す。
func (w *Watcher) Previous() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.previous
}
