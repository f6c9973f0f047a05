package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Alerter は新着アラートの外部副作用（音声・通知）を実行する。
type Alerter interface {
	PlayAlert(ctx context.Context, alert Alert) error
}

// Alert はアラートの内容。
type Alert struct {
	OperatorID      string    `json:"operator_id"`
	TenantID        string    `json:"tenant_id"`
	UnassignedCount int       `json:"unassigned_count"`
	At              time.Time `json:"at"`
}

// BellAlerter は端末にベル文字を出力する。
type BellAlerter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBellAlerter はBellAlerterを生成する。
func NewBellAlerter(w io.Writer) *BellAlerter {
	return &BellAlerter{w: w}
}

// PlayAlert はベル文字と件数を出力する。
func (b *BellAlerter) PlayAlert(ctx context.Context, alert Alert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := fmt.Fprintf(b.w, "\a[%s] 未対応のケースが %d 件あります\n", alert.TenantID, alert.UnassignedCount)
	return err
}

// WebhookAlerter はアラートをJSONでWebhookにPOSTする。
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter はWebhookAlerterを生成する。
// clientには送信先制限付きのクライアント（security.WebhookGuard.NewClient）を渡すこと。
func NewWebhookAlerter(url string, client *http.Client) *WebhookAlerter {
	return &WebhookAlerter{url: url, client: client}
}

// PlayAlert はアラートを送信する。2xx以外の応答はエラーとする。
func (a *WebhookAlerter) PlayAlert(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiAlerter は複数のAlerterへ順に通知する。
// 一部が失敗しても残りには通知し、最初のエラーを返す。
type MultiAlerter []Alerter

// PlayAlert は全Alerterに通知する。
func (m MultiAlerter) PlayAlert(ctx context.Context, alert Alert) error {
	var first error
	for _, a := range m {
		if err := a.PlayAlert(ctx, alert); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// compile-time interface check
var (
	_ Alerter = (*BellAlerter)(nil)
	_ Alerter = (*WebhookAlerter)(nil)
	_ Alerter = MultiAlerter(nil)
)
