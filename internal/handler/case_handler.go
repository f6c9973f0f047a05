package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linedesk/internal/middleware"
	"github.com/hitoshi/linedesk/internal/model"
	"github.com/hitoshi/linedesk/internal/queue"
)

// maxRequestBodyBytes はリクエストボディの上限サイズ。
const maxRequestBodyBytes = 64 << 10

// CaseServiceInterface はケースハンドラーが必要とするサービスインターフェース。
// casework.Storeが実装する。
type CaseServiceInterface interface {
	// Get はテナントのケース一覧を最終メッセージ日時の降順で返す。
	Get(ctx context.Context, tenantID string) ([]*model.Case, error)
	// SetTurn は対応中ケースのターン（active/waiting）を切り替える。
	SetTurn(ctx context.Context, caseID string, status model.CaseStatus) (*model.Case, error)
	// Close はケースを完了にする。
	Close(ctx context.Context, caseID string) (*model.Case, error)
	// MarkRead はケースの未読数を0にする。
	MarkRead(ctx context.Context, caseID string) (*model.Case, error)
	// RecordMessage は顧客メッセージをケースに反映する。
	RecordMessage(ctx context.Context, msg model.InboundMessage) (*model.Case, error)
}

// ClaimServiceInterface は受付の排他制御を行うサービスインターフェース。
// casework.ClaimCoordinatorが実装する。
type ClaimServiceInterface interface {
	Claim(ctx context.Context, caseID, operatorID string) (*model.Case, error)
}

// CaseHandler はケース操作のHTTPハンドラー。
type CaseHandler struct {
	cases  CaseServiceInterface
	claims ClaimServiceInterface
}

// NewCaseHandler はCaseHandlerを生成する。
func NewCaseHandler(cases CaseServiceInterface, claims ClaimServiceInterface) *CaseHandler {
	return &CaseHandler{cases: cases, claims: claims}
}

// listCasesResponse はケース一覧のAPIレスポンス。
type listCasesResponse struct {
	Cases []caseResponse `json:"cases"`
}

// queueCounts はキューごとの件数。
type queueCounts struct {
	Unassigned int `json:"unassigned"`
	Active     int `json:"active"`
	History    int `json:"history"`
}

// queuesResponse はキュー分割済みのケース一覧のAPIレスポンス。
type queuesResponse struct {
	Unassigned []caseResponse `json:"unassigned"`
	Active     []caseResponse `json:"active"`
	History    []caseResponse `json:"history"`
	Counts     queueCounts    `json:"counts"`
}

// setTurnRequest はターン切り替えリクエストのボディ。
type setTurnRequest struct {
	Status string `json:"status"`
}

// ingestMessageRequest はメッセージ取り込みリクエストのボディ。
type ingestMessageRequest struct {
	TenantID     string    `json:"tenant_id"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name"`
	Text         string    `json:"text"`
	SentAt       time.Time `json:"sent_at"`
}

// ListCases はテナントのケース一覧を返す。
// GET /api/tenants/{tenantID}/cases
func (h *CaseHandler) ListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.cases.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listCasesResponse{Cases: toCaseResponses(cases)})
}

// ListQueues はテナントのケースを未対応・対応中・履歴に分割して返す。
// GET /api/tenants/{tenantID}/queues
func (h *CaseHandler) ListQueues(w http.ResponseWriter, r *http.Request) {
	cases, err := h.cases.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	p := queue.Partition(cases)
	writeJSON(w, http.StatusOK, queuesResponse{
		Unassigned: toCaseResponses(p.Unassigned),
		Active:     toCaseResponses(p.Active),
		History:    toCaseResponses(p.History),
		Counts: queueCounts{
			Unassigned: len(p.Unassigned),
			Active:     len(p.Active),
			History:    len(p.History),
		},
	})
}

// Claim はケースを受け付ける。
// POST /api/cases/{id}/claim
func (h *CaseHandler) Claim(w http.ResponseWriter, r *http.Request) {
	operatorID, err := middleware.OperatorIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	c, err := h.claims.Claim(r.Context(), chi.URLParam(r, "id"), operatorID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

// SetTurn は対応中ケースのターンを切り替える。
// PUT /api/cases/{id}/turn
func (h *CaseHandler) SetTurn(w http.ResponseWriter, r *http.Request) {
	var req setTurnRequest
	if !decodeBody(w, r, &req) {
		return
	}

	c, err := h.cases.SetTurn(r.Context(), chi.URLParam(r, "id"), model.CaseStatus(req.Status))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

// Close はケースを完了にする。
// POST /api/cases/{id}/close
func (h *CaseHandler) Close(w http.ResponseWriter, r *http.Request) {
	c, err := h.cases.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

// MarkRead はケースを既読にする。
// POST /api/cases/{id}/read
func (h *CaseHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	c, err := h.cases.MarkRead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

// IngestMessage は外部の取り込み処理から顧客メッセージを受け取る。
// POST /api/ingest/messages
func (h *CaseHandler) IngestMessage(w http.ResponseWriter, r *http.Request) {
	var req ingestMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	c, err := h.cases.RecordMessage(r.Context(), model.InboundMessage{
		TenantID:     req.TenantID,
		CustomerID:   req.CustomerID,
		CustomerName: req.CustomerName,
		Text:         req.Text,
		SentAt:       req.SentAt,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

// decodeBody はリクエストボディをJSONとして読み取る。
// 失敗した場合はエラーレスポンスを書き込みfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました。"))
		return false
	}
	return true
}
