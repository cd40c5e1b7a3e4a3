package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vnmchuo/deep-search/internal/auth"
	"github.com/vnmchuo/deep-search/internal/billing"
	"github.com/vnmchuo/deep-search/internal/credits"
	"github.com/vnmchuo/deep-search/internal/provider"
	"github.com/vnmchuo/deep-search/internal/worker"
	tokenlimit "github.com/vnmchuo/deep-search/pkg/ratelimit"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
)

// Mock Billing Store
type mockBillingStore struct {
	getUsageByUserFunc func(ctx context.Context, userID string, from, to time.Time) ([]*billing.UsageLog, error)
	getTotalCostFunc   func(ctx context.Context, userID string, from, to time.Time) (float64, error)
}

func (m *mockBillingStore) LogUsage(ctx context.Context, log *billing.UsageLog) error {
	return nil
}

func (m *mockBillingStore) GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*billing.UsageLog, error) {
	if m.getUsageByUserFunc != nil {
		return m.getUsageByUserFunc(ctx, userID, from, to)
	}
	return nil, nil
}

func (m *mockBillingStore) GetTotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	if m.getTotalCostFunc != nil {
		return m.getTotalCostFunc(ctx, userID, from, to)
	}
	return 0, nil
}

func (m *mockBillingStore) GrantCredits(ctx context.Context, userID string, credits int) (int, error) {
	return credits, nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
	n       int
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.n = n
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

type mockQueue struct {
	jobs []*worker.Job
	err  error
}

func (m *mockQueue) Enqueue(ctx context.Context, job *worker.Job) error {
	m.jobs = append(m.jobs, job)
	return m.err
}

func (m *mockQueue) Process(ctx context.Context, handle worker.HandlerFunc) error {
	return nil
}

type searchFixture struct {
	handler  *SearchHandler
	billing  *mockBillingStore
	limiter  *mockLimiterStore
	reserver *mockReserver
	queue    *mockQueue
}

func setupSearch(providers []provider.Provider, limiterAllowed bool) *searchFixture {
	f := &searchFixture{
		billing:  &mockBillingStore{},
		limiter:  &mockLimiterStore{allowed: limiterAllowed},
		reserver: &mockReserver{},
		queue:    &mockQueue{},
	}
	f.handler = NewSearchHandler(
		NewRouter(providers),
		f.reserver,
		f.billing,
		tokenlimit.NewTestLimiter(f.limiter),
		f.queue,
		noop.NewTracerProvider().Tracer("test"),
	)
	return f
}

func newSearchRequest(body any, userID string) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader(data))
	if userID != "" {
		req = req.WithContext(auth.WithUser(req.Context(), &auth.User{ID: userID}))
	}
	return req
}

func TestHandleSearch_Unauthorized(t *testing.T) {
	f := setupSearch(nil, true)
	w := httptest.NewRecorder()

	f.handler.HandleSearch(w, newSearchRequest(map[string]string{"query": "q"}, ""))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleSearch_InvalidBody(t *testing.T) {
	f := setupSearch(nil, true)
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{invalid json}`))
	req = req.WithContext(auth.WithUser(req.Context(), &auth.User{ID: "u1"}))
	w := httptest.NewRecorder()

	f.handler.HandleSearch(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleSearch_MissingQueryOrBadMode(t *testing.T) {
	f := setupSearch(nil, true)
	for _, body := range []map[string]string{
		{"query": "  "},
		{"query": "q", "mode": "turbo"},
	} {
		w := httptest.NewRecorder()
		f.handler.HandleSearch(w, newSearchRequest(body, "u1"))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%v: expected 400, got %d", body, w.Code)
		}
	}
}

func TestHandleSearch_RateLimited(t *testing.T) {
	f := setupSearch(nil, false)
	w := httptest.NewRecorder()

	f.handler.HandleSearch(w, newSearchRequest(map[string]any{"query": "abcdefgh", "max_tokens": 100}, "u1"))

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After: 60 header, got %s", w.Header().Get("Retry-After"))
	}
	if f.limiter.n != 102 {
		t.Errorf("Expected 102 estimated tokens, got %d", f.limiter.n)
	}
}

func TestHandleSearch_CreditsDenied(t *testing.T) {
	f := setupSearch(nil, true)
	f.reserver.reserveFunc = func(ctx context.Context, userID string, mode credits.Mode) credits.Outcome {
		return credits.Outcome{Kind: credits.Denied, Reason: "insufficient_credits", CreditsNeeded: 5}
	}
	w := httptest.NewRecorder()

	f.handler.HandleSearch(w, newSearchRequest(map[string]string{"query": "q", "mode": "pro"}, "u1"))

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d", w.Code)
	}
	if len(f.queue.jobs) != 0 {
		t.Error("Expected no settlement for a denied search")
	}
}

func TestHandleSearch_ProviderUnavailableReleasesReservation(t *testing.T) {
	f := setupSearch([]provider.Provider{}, true)
	w := httptest.NewRecorder()

	f.handler.HandleSearch(w, newSearchRequest(map[string]string{"query": "q"}, "u1"))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if len(f.queue.jobs) != 1 || f.queue.jobs[0].ReservationID != "res-1" || f.queue.jobs[0].ActualCredits != 0 {
		t.Errorf("Expected zero-credit settlement, got %+v", f.queue.jobs)
	}
}

func TestHandleSearch_Success(t *testing.T) {
	p := &MockProvider{
		name:            "deepseek",
		pricingID:       "deepseek",
		supportedModels: []string{"deepseek-chat"},
		chunks: []*provider.Chunk{
			{Delta: "hello"},
			{Delta: " \"world\""},
			{Done: true, Usage: &provider.Usage{InputTokens: 1_000_000, OutputTokens: 0}},
		},
	}
	f := setupSearch([]provider.Provider{p}, true)
	w := httptest.NewRecorder()

	f.handler.HandleSearch(w, newSearchRequest(map[string]string{"query": "what is go", "mode": "pro"}, "u1"))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	if !strings.Contains(body, `data: {"choices":[{"delta":{"content":"hello"},"index":0}]}`) {
		t.Errorf("Body missing first chunk: %s", body)
	}
	if !strings.Contains(body, `data: {"choices":[{"delta":{"content":" \"world\""},"index":0}]}`) {
		t.Errorf("Body missing escaped second chunk: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Body missing DONE marker: %s", body)
	}

	if p.lastReq == nil || len(p.lastReq.Messages) != 2 || p.lastReq.Messages[1].Content != "what is go" {
		t.Errorf("unexpected provider request %+v", p.lastReq)
	}

	if len(f.queue.jobs) != 1 {
		t.Fatalf("Expected 1 settlement job, got %d", len(f.queue.jobs))
	}
	job := f.queue.jobs[0]
	if job.ReservationID != "res-1" || job.ActualCredits != 5 {
		t.Errorf("unexpected job %+v", job)
	}
	if job.Usage == nil || job.Usage.Model != "deepseek-chat" || job.Usage.CostUSD != 0.28 {
		t.Errorf("unexpected usage %+v", job.Usage)
	}
}

func TestHandleSearch_StreamErrorChargesNothing(t *testing.T) {
	p := &MockProvider{
		name:      "openai",
		pricingID: "openai",
		chunks:    []*provider.Chunk{{Delta: "par"}, {Err: errors.New("upstream reset")}},
	}
	f := setupSearch([]provider.Provider{p}, true)
	w := httptest.NewRecorder()

	f.handler.HandleSearch(w, newSearchRequest(map[string]string{"query": "q"}, "u1"))

	if !strings.Contains(w.Body.String(), "event: error") {
		t.Errorf("Expected error event, got %s", w.Body.String())
	}
	if len(f.queue.jobs) != 1 || f.queue.jobs[0].ActualCredits != 0 {
		t.Fatalf("Expected zero-credit settlement, got %+v", f.queue.jobs)
	}
	if u := f.queue.jobs[0].Usage; u == nil || u.OutputTokens != 1 {
		t.Errorf("Expected estimated output tokens, got %+v", u)
	}
}

func TestSearchCost_CachedTokens(t *testing.T) {
	got := searchCost("deepseek", "", &provider.Usage{InputTokens: 1_000_000, CachedTokens: 500_000})
	want := 0.28/2 + 0.028/2
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	f := setupSearch(nil, true)
	w := httptest.NewRecorder()

	f.handler.HandleUsage(w, httptest.NewRequest(http.MethodGet, "/api/usage", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func usageRequest(query string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/usage"+query, nil)
	return req.WithContext(auth.WithUser(req.Context(), &auth.User{ID: "u1"}))
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	f := setupSearch(nil, true)
	for _, q := range []string{"?from=not-a-date", "?to=nope", "?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z"} {
		w := httptest.NewRecorder()
		f.handler.HandleUsage(w, usageRequest(q))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestHandleUsage_Success(t *testing.T) {
	f := setupSearch(nil, true)
	f.billing.getUsageByUserFunc = func(ctx context.Context, userID string, from, to time.Time) ([]*billing.UsageLog, error) {
		return []*billing.UsageLog{
			{UserID: "u1", Model: "deepseek-chat", CreditsCharged: 1},
			{UserID: "u1", Model: "deepseek-chat", CreditsCharged: 5},
		}, nil
	}
	f.billing.getTotalCostFunc = func(ctx context.Context, userID string, from, to time.Time) (float64, error) {
		return 0.005, nil
	}
	w := httptest.NewRecorder()

	f.handler.HandleUsage(w, usageRequest(""))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["total_requests"].(float64) != 2 {
		t.Errorf("Expected total_requests == 2, got %v", resp["total_requests"])
	}
	if resp["total_cost_usd"].(float64) != 0.005 {
		t.Errorf("Expected total_cost_usd == 0.005, got %v", resp["total_cost_usd"])
	}
	if resp["total_credits"].(float64) != 6 {
		t.Errorf("Expected total_credits == 6, got %v", resp["total_credits"])
	}
	if logs := resp["logs"].([]any); len(logs) != 2 {
		t.Errorf("Expected 2 logs, got %d", len(logs))
	}
}

func TestHandleUsage_StoreError(t *testing.T) {
	f := setupSearch(nil, true)
	f.billing.getTotalCostFunc = func(ctx context.Context, userID string, from, to time.Time) (float64, error) {
		return 0, errors.New("db down")
	}
	w := httptest.NewRecorder()

	f.handler.HandleUsage(w, usageRequest(""))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestHandlePricing(t *testing.T) {
	w := httptest.NewRecorder()
	HandlePricing(w, httptest.NewRequest(http.MethodGet, "/api/pricing", nil))

	var resp struct {
		Providers []struct {
			ID    string  `json:"id"`
			Input float64 `json:"input"`
		} `json:"providers"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Providers) == 0 || resp.Providers[0].ID != "anthropic" {
		t.Errorf("Expected sorted providers, got %+v", resp.Providers)
	}
}
