package apiclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/linedesk/internal/casework"
	"github.com/hitoshi/linedesk/internal/handler"
	"github.com/hitoshi/linedesk/internal/middleware"
	"github.com/hitoshi/linedesk/internal/model"
	"github.com/hitoshi/linedesk/internal/repository"
	"github.com/hitoshi/linedesk/internal/security"
	"github.com/hitoshi/linedesk/internal/worker/casesync"
)

// testServer は実際のルーターとケースエンジンを持つテスト用APIサーバー。
type testServer struct {
	*httptest.Server
	store *casework.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo := repository.NewMemoryCaseRepo()
	store := casework.NewStore(repo, security.NewSnippetSanitizer(security.DefaultSnippetLength), nil)
	claims := casework.NewClaimCoordinator(repo, nil)
	rl := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(1000, 1000))
	t.Cleanup(rl.Stop)

	srv := httptest.NewServer(handler.NewRouter(&handler.RouterDeps{
		RateLimiter:  rl,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		CaseService:  store,
		ClaimService: claims,
		Health:       store,
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store}
}

func (s *testServer) client(operatorID string) *Client {
	return NewClient(Config{BaseURL: s.URL + "/", OperatorID: operatorID, Timeout: 2 * time.Second}, s.Server.Client())
}

func (s *testServer) message(t *testing.T, customerID, text string) *model.Case {
	t.Helper()
	c, err := s.store.RecordMessage(context.Background(), model.InboundMessage{
		TenantID: "tenant-1", CustomerID: customerID, Text: text, SentAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	return c
}

func TestClient_RoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	seeded := srv.message(t, "U1", "こんにちは")

	a := srv.client("op-a")
	if a.OperatorID() != "op-a" {
		t.Errorf("OperatorID = %q", a.OperatorID())
	}

	cases, err := a.ListCases(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	if len(cases) != 1 || cases[0].ID != seeded.ID || cases[0].Status != model.CaseStatusUnassigned {
		t.Fatalf("cases = %+v", cases)
	}
	if cases[0].LastMessageSnippet != "こんにちは" || cases[0].UnreadCount != 1 {
		t.Errorf("case fields = %+v", cases[0])
	}

	claimed, err := a.ClaimCase(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("ClaimCase: %v", err)
	}
	if claimed.Status != model.CaseStatusActive || claimed.AssignedOperator != "op-a" {
		t.Errorf("claimed = %+v", claimed)
	}

	waiting, err := a.SetCaseTurn(ctx, seeded.ID, model.CaseStatusWaiting)
	if err != nil || waiting.Status != model.CaseStatusWaiting {
		t.Fatalf("SetCaseTurn = %+v, %v", waiting, err)
	}

	read, err := a.MarkRead(ctx, seeded.ID)
	if err != nil || read.UnreadCount != 0 {
		t.Fatalf("MarkRead = %+v, %v", read, err)
	}

	closed, err := a.CloseCase(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("CloseCase: %v", err)
	}
	if closed.Status != model.CaseStatusClosed || closed.ClosedAt == nil {
		t.Errorf("closed = %+v", closed)
	}
	if err := closed.Validate(); err != nil {
		t.Errorf("decoded case violates invariants: %v", err)
	}

	if err := a.Health(ctx); err != nil {
		t.Errorf("Health: %v", err)
	}
}

// TestClient_BusinessErrors はサーバーの業務エラーがAPIErrorとして復元されることを検証する。
func TestClient_BusinessErrors(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.message(t, "U1", "hello")

	if _, err := srv.client("op-a").ClaimCase(ctx, c.ID); err != nil {
		t.Fatalf("op-a ClaimCase: %v", err)
	}

	_, err := srv.client("op-b").ClaimCase(ctx, c.ID)
	if !model.HasCode(err, model.ErrCodeAlreadyClaimed) {
		t.Fatalf("op-b ClaimCase = %v, want AlreadyClaimed", err)
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Message == "" || apiErr.Category != "case" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if model.IsTransient(err) {
		t.Error("business errors must not be transient")
	}

	if _, err := srv.client("op-a").CloseCase(ctx, "missing"); !model.HasCode(err, model.ErrCodeCaseNotFound) {
		t.Errorf("CloseCase(missing) = %v, want NotFound", err)
	}
	if _, err := srv.client("op-a").SetCaseTurn(ctx, c.ID, model.CaseStatusClosed); !model.HasCode(err, model.ErrCodeInvalidRequest) {
		t.Errorf("SetCaseTurn(closed) = %v, want InvalidRequest", err)
	}
	if _, err := srv.client("").ListCases(ctx, "tenant-1"); !model.HasCode(err, model.ErrCodeUnauthorized) {
		t.Errorf("ListCases without operator = %v, want Unauthorized", err)
	}
}

func TestClient_EscapesPathParams(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"cases":[]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, OperatorID: "op-a"}, srv.Client())
	if _, err := c.ListCases(context.Background(), "a/b c"); err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	if gotPath != "/api/tenants/a%2Fb%20c/cases" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestClient_TransientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"service unavailable", http.StatusServiceUnavailable, ""},
		{"internal error body", http.StatusInternalServerError, `{"code":"INTERNAL_ERROR","message":"内部エラー"}`},
		{"bad gateway html", http.StatusBadGateway, "<html>bad gateway</html>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewClient(Config{BaseURL: srv.URL, OperatorID: "op-a"}, srv.Client()).ListCases(context.Background(), "tenant-1")
			if !model.IsTransient(err) {
				t.Errorf("err = %v, want transient", err)
			}
		})
	}
}

func TestClient_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(Config{BaseURL: url, OperatorID: "op-a", Timeout: time.Second}, nil).ClaimCase(context.Background(), "c-1")
	if !model.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestClient_UnexpectedClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL, OperatorID: "op-a"}, srv.Client()).CloseCase(context.Background(), "c-1")
	if err == nil || model.IsTransient(err) || !strings.Contains(err.Error(), "405") {
		t.Errorf("err = %v, want non-transient status error", err)
	}
}

// TestClient_DrivesSyncLoop は同期ループがHTTP経由で受付競合を扱えることを検証する。
func TestClient_DrivesSyncLoop(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.message(t, "U1", "hello")

	newLoop := func(operatorID string) *casesync.Loop {
		client := srv.client(operatorID)
		return casesync.NewLoop(
			casesync.Config{TenantID: "tenant-1", OperatorID: operatorID, Interval: time.Hour},
			casesync.Deps{Source: client, Actions: client, Logger: slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))},
		)
	}
	a, b := newLoop("op-a"), newLoop("op-b")
	for _, l := range []*casesync.Loop{a, b} {
		if err := l.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}

	if err := a.Claim(ctx, c.ID); err != nil {
		t.Fatalf("A Claim: %v", err)
	}
	if err := b.Claim(ctx, c.ID); !model.HasCode(err, model.ErrCodeAlreadyClaimed) {
		t.Fatalf("B Claim = %v, want AlreadyClaimed", err)
	}

	v := b.View()
	if v.Notice == "" || len(v.Active) != 1 || v.Active[0].AssignedOperator != "op-a" {
		t.Errorf("B view = %+v", v)
	}
}

func TestClient_RateLimitedIsBusinessError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteRateLimitResponse(w, 2)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL, OperatorID: "op-a"}, srv.Client()).ClaimCase(context.Background(), "c-1")
	if !model.HasCode(err, model.ErrCodeRateLimitExceeded) {
		t.Fatalf("err = %v, want RATE_LIMIT_EXCEEDED", err)
	}
	if model.IsTransient(err) {
		t.Error("rate limiting should surface to the operator, not be treated as transient")
	}
}
