// Package apiclient はオペレーター端末からケースAPIを呼び出すHTTPクライアントを提供する。
// casesync.CaseSourceとcasesync.CaseActionsを実装する。
package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hitoshi/linedesk/internal/middleware"
	"github.com/hitoshi/linedesk/internal/model"
)

// DefaultTimeout はリクエスト1回あたりのデフォルトタイムアウト。
const DefaultTimeout = 5 * time.Second

const userAgent = "linedesk-operator/1.0"

// Config はクライアントの設定。
type Config struct {
	BaseURL    string
	OperatorID string
	Timeout    time.Duration
}

// Client はケースAPIのクライアント。
// 全リクエストにX-Operator-IDヘッダーを付与する。
type Client struct {
	baseURL    string
	operatorID string
	httpClient *resty.Client
}

// caseDTO はケースAPIのレスポンスボディ。
type caseDTO struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	CustomerID         string     `json:"customer_id"`
	CustomerName       string     `json:"customer_name"`
	Status             string     `json:"status"`
	AssignedOperator   string     `json:"assigned_operator"`
	OpenedAt           time.Time  `json:"opened_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	LastMessageAt      time.Time  `json:"last_message_at"`
	LastMessageSnippet string     `json:"last_message_snippet"`
	UnreadCount        int        `json:"unread_count"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (d *caseDTO) toModel() *model.Case {
	return &model.Case{
		ID:                 d.ID,
		TenantID:           d.TenantID,
		CustomerID:         d.CustomerID,
		CustomerName:       d.CustomerName,
		Status:             model.CaseStatus(d.Status),
		AssignedOperator:   d.AssignedOperator,
		OpenedAt:           d.OpenedAt,
		ClosedAt:           d.ClosedAt,
		LastMessageAt:      d.LastMessageAt,
		LastMessageSnippet: d.LastMessageSnippet,
		UnreadCount:        d.UnreadCount,
		UpdatedAt:          d.UpdatedAt,
	}
}

type listCasesResponse struct {
	Cases []caseDTO `json:"cases"`
}

type setTurnRequest struct {
	Status string `json:"status"`
}

// NewClient はClientを生成する。httpClientがnilの場合はresty既定のクライアントを使用する。
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	var rc *resty.Client
	if httpClient != nil {
		rc = resty.NewWithClient(httpClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(baseURL).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json").
		SetHeader(middleware.OperatorIDHeader, cfg.OperatorID).
		SetTimeout(cfg.Timeout)

	return &Client{
		baseURL:    baseURL,
		operatorID: cfg.OperatorID,
		httpClient: rc,
	}
}

// OperatorID はクライアントが名乗るオペレーターIDを返す。
func (c *Client) OperatorID() string { return c.operatorID }

// ListCases はテナントのケース一覧を取得する。
func (c *Client) ListCases(ctx context.Context, tenantID string) ([]*model.Case, error) {
	var body listCasesResponse
	req := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("tenantID", tenantID).
		SetResult(&body)
	if err := c.execute(req, http.MethodGet, "/api/tenants/{tenantID}/cases", "list cases"); err != nil {
		return nil, err
	}

	cases := make([]*model.Case, len(body.Cases))
	for i := range body.Cases {
		cases[i] = body.Cases[i].toModel()
	}
	return cases, nil
}

// ClaimCase はケースを受け付ける。
func (c *Client) ClaimCase(ctx context.Context, caseID string) (*model.Case, error) {
	return c.caseAction(ctx, http.MethodPost, "/api/cases/{caseID}/claim", "claim case", caseID, nil)
}

// SetCaseTurn は対応中ケースのターンを切り替える。
func (c *Client) SetCaseTurn(ctx context.Context, caseID string, status model.CaseStatus) (*model.Case, error) {
	return c.caseAction(ctx, http.MethodPut, "/api/cases/{caseID}/turn", "set case turn", caseID, setTurnRequest{Status: string(status)})
}

// CloseCase はケースを完了にする。
func (c *Client) CloseCase(ctx context.Context, caseID string) (*model.Case, error) {
	return c.caseAction(ctx, http.MethodPost, "/api/cases/{caseID}/close", "close case", caseID, nil)
}

// MarkRead はケースを既読にする。
func (c *Client) MarkRead(ctx context.Context, caseID string) (*model.Case, error) {
	return c.caseAction(ctx, http.MethodPost, "/api/cases/{caseID}/read", "mark read", caseID, nil)
}

// Health はサーバーのヘルスチェックを呼び出す。
func (c *Client) Health(ctx context.Context) error {
	return c.execute(c.httpClient.R().SetContext(ctx), http.MethodGet, "/health", "health check")
}

func (c *Client) caseAction(ctx context.Context, method, path, op, caseID string, body any) (*model.Case, error) {
	var dto caseDTO
	req := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("caseID", caseID).
		SetResult(&dto)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if err := c.execute(req, method, path, op); err != nil {
		return nil, err
	}
	return dto.toModel(), nil
}

// execute はリクエストを送信し、失敗をドメインのエラーに変換する。
//   - 通信エラーと5xxはTransientIO
//   - 4xxはボディのcodeからAPIErrorを復元する
func (c *Client) execute(req *resty.Request, method, path, op string) error {
	var errBody middleware.ErrorResponseBody
	req.SetError(&errBody)

	resp, err := req.Execute(method, path)
	if err != nil {
		return model.NewTransientIOError(op, err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return model.NewTransientIOError(op, fmt.Errorf("server returned %d", resp.StatusCode()))
	}
	if resp.IsError() {
		if apiErr := errBody.APIError(); apiErr != nil {
			return apiErr
		}
		return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
