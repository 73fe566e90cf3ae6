package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xiaopang/aiswitch/internal/model"
)

func seedUsage(t *testing.T, p *testProxy, id, provider string, status int, cost string) {
	t.Helper()
	row := &model.UsageLog{
		RequestID:    id,
		ProviderID:   provider,
		AppType:      model.AppClaude,
		Model:        "claude-sonnet-4-20250514",
		InputTokens:  10,
		OutputTokens: 5,
		TotalCostUSD: decimal.RequireFromString(cost),
		StatusCode:   status,
		CreatedAt:    time.Now(),
	}
	if err := p.store.InsertUsage(row); err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}
}

func TestUsageEndpoints(t *testing.T) {
	p := newTestProxy(t, "http://127.0.0.1:1")
	seedUsage(t, p, "r1", "default", 200, "0.10")
	seedUsage(t, p, "r2", "default", 500, "0.05")
	seedUsage(t, p, "r3", "relay", 200, "0.20")

	t.Run("summary", func(t *testing.T) {
		w := p.do(httptest.NewRequest("GET", "/api/usage/summary?period=24h", nil))
		if w.Code != 200 {
			t.Fatalf("status = %d", w.Code)
		}
		var resp struct {
			Data model.UsageSummary `json:"data"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Data.TotalRequests != 3 || resp.Data.SuccessRequests != 2 {
			t.Errorf("summary = %+v", resp.Data)
		}
		if !resp.Data.TotalCost.Equal(decimal.RequireFromString("0.35")) {
			t.Errorf("total cost = %s", resp.Data.TotalCost)
		}
	})

	t.Run("logs filtered", func(t *testing.T) {
		w := p.do(httptest.NewRequest("GET", "/api/usage/logs?provider_id=relay", nil))
		var resp struct {
			Data []model.UsageLog `json:"data"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if len(resp.Data) != 1 || resp.Data[0].RequestID != "r3" {
			t.Errorf("logs = %+v", resp.Data)
		}
	})

	t.Run("trend", func(t *testing.T) {
		w := p.do(httptest.NewRequest("GET", "/api/usage/trend?period=7d", nil))
		var resp struct {
			Data []model.UsageTrend `json:"data"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if len(resp.Data) != 7 {
			t.Fatalf("expected 7 daily buckets, got %d", len(resp.Data))
		}
		if resp.Data[6].Requests != 3 {
			t.Errorf("today = %+v", resp.Data[6])
		}
	})

	t.Run("model trend", func(t *testing.T) {
		w := p.do(httptest.NewRequest("GET", "/api/usage/trend/models", nil))
		if w.Code != 200 {
			t.Fatalf("status = %d", w.Code)
		}
		var resp struct {
			Data []model.ModelTrend `json:"data"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if len(resp.Data) != 24 {
			t.Errorf("expected 24 hourly buckets, got %d", len(resp.Data))
		}
	})

	t.Run("providers", func(t *testing.T) {
		w := p.do(httptest.NewRequest("GET", "/api/usage/providers?period=all", nil))
		var resp struct {
			Data []model.ProviderStats `json:"data"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if len(resp.Data) != 2 || resp.Data[0].ProviderID != "default" || resp.Data[0].Requests != 2 {
			t.Errorf("providers = %+v", resp.Data)
		}
	})

	t.Run("bad period", func(t *testing.T) {
		w := p.do(httptest.NewRequest("GET", "/api/usage/summary?period=1y", nil))
		if w.Code != 400 {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("pricing", func(t *testing.T) {
		w := p.do(httptest.NewRequest("GET", "/api/pricing", nil))
		var resp struct {
			Data []model.ModelPricing `json:"data"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if len(resp.Data) == 0 {
			t.Error("expected seeded pricing")
		}
	})

	t.Run("clear", func(t *testing.T) {
		w := p.do(httptest.NewRequest("DELETE", "/api/usage", nil))
		var resp struct {
			Deleted int64 `json:"deleted"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Deleted != 3 {
			t.Errorf("deleted = %d", resp.Deleted)
		}
		if rows := p.rows(t); len(rows) != 0 {
			t.Errorf("rows left = %d", len(rows))
		}
	})
}
