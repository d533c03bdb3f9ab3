package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestCostEndpoints(t *testing.T) {
	h := newTestApp(t).routes()

	rec := doRequest(t, h, http.MethodPut, "/api/costs/srv-1",
		`{"baseCost":50,"electricityCost":10,"networkCost":5,"amortization":8,"otherCharges":2,"notes":"rack A"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", rec.Code, rec.Body)
	}
	var cost ServerCost
	decodeJSON(t, rec, &cost)
	if cost.TotalMonthly != 75 || cost.TotalYearly != 900 || cost.BaseCost != 50 {
		t.Fatalf("cost = %+v", cost)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/costs/srv-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/costs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPut, "/api/costs/srv-1", `{"baseCost":-5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative status = %d, want 400", rec.Code)
	}
	var errBody map[string]string
	decodeJSON(t, rec, &errBody)
	if !strings.Contains(errBody["error"], "BaseCost") {
		t.Fatalf("error = %q, want field name", errBody["error"])
	}

	rec = doRequest(t, h, http.MethodPut, "/api/costs/srv-1", `{"baseCost":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed status = %d, want 400", rec.Code)
	}
}

func TestIngestEndpointRateLimitsPerServer(t *testing.T) {
	h := newTestApp(t).routes()
	body := `{"serverId":"srv-1","cpu":{"usage":12.5,"cores":4},"ram":{"total":1000,"used":400}}`

	for i := 0; i < 5; i++ {
		if rec := doRequest(t, h, http.MethodPost, "/api/metrics/server", body); rec.Code != http.StatusCreated {
			t.Fatalf("push %d status = %d, body %s", i+1, rec.Code, rec.Body)
		}
	}
	if rec := doRequest(t, h, http.MethodPost, "/api/metrics/server", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth push status = %d, want 429", rec.Code)
	}
	// another server has its own bucket
	other := `{"serverId":"srv-2"}`
	if rec := doRequest(t, h, http.MethodPost, "/api/metrics/server", other); rec.Code != http.StatusCreated {
		t.Fatalf("srv-2 status = %d, want 201", rec.Code)
	}

	if rec := doRequest(t, h, http.MethodPost, "/api/metrics/server", `{"cpu":{"usage":1}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing serverId status = %d, want 400", rec.Code)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/servers/srv-1/history?period=1h", "")
	var history struct {
		Period string         `json:"period"`
		Points []ServerMetric `json:"points"`
	}
	decodeJSON(t, rec, &history)
	if history.Period != "1h" || len(history.Points) != 5 {
		t.Fatalf("history period/points = %s/%d, want 1h/5", history.Period, len(history.Points))
	}
}

func TestBatchIngestReportsPerServer(t *testing.T) {
	h := newTestApp(t).routes()

	rec := doRequest(t, h, http.MethodPost, "/api/metrics/server/batch",
		`[{"serverId":"srv-1"},{"cpu":{"usage":3}},{"serverId":"srv-2"}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var report IngestReport
	decodeJSON(t, rec, &report)
	if report.Accepted != 2 || len(report.Failed) != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestPageSpeedEndpoint(t *testing.T) {
	h := newTestApp(t).routes()
	body := `{"siteId":"site-a","strategy":"mobile","performanceScore":88,"lcp":1.9}`

	if rec := doRequest(t, h, http.MethodPost, "/api/metrics/pagespeed", body); rec.Code != http.StatusCreated {
		t.Fatalf("first status = %d, body %s", rec.Code, rec.Body)
	}
	if rec := doRequest(t, h, http.MethodPost, "/api/metrics/pagespeed", body); rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rec.Code)
	}
	bad := `{"siteId":"site-a","strategy":"tablet"}`
	if rec := doRequest(t, h, http.MethodPost, "/api/metrics/pagespeed", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad strategy status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/sites/site-a/pagespeed?strategy=tablet", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("history strategy status = %d, want 400", rec.Code)
	}
}

func TestInvoiceEndpointsLifecycle(t *testing.T) {
	h := newTestApp(t).routes()

	if rec := doRequest(t, h, http.MethodPut, "/api/pricing/site-a", `{"actualPrice":100,"serverId":"srv-1"}`); rec.Code != http.StatusOK {
		t.Fatalf("PUT pricing status = %d, body %s", rec.Code, rec.Body)
	}

	rec := doRequest(t, h, http.MethodPost, "/api/invoices/generate", `{"year":2025,"month":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status = %d, body %s", rec.Code, rec.Body)
	}
	var report GenerationReport
	decodeJSON(t, rec, &report)
	if report.Created != 1 || report.Invoices[0].TotalAmount != 107.7 {
		t.Fatalf("report = %+v", report)
	}
	id := report.Invoices[0].ID
	base := "/api/invoices/" + strconv.FormatUint(uint64(id), 10)

	rec = doRequest(t, h, http.MethodPut, base+"/status", `{"status":"sent"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sent status = %d, body %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, h, http.MethodPost, base+"/pay", `{"paymentMethod":"bank"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pay status = %d, body %s", rec.Code, rec.Body)
	}
	var paid Invoice
	decodeJSON(t, rec, &paid)
	if paid.Status != InvoicePaid || paid.PaidDate == nil {
		t.Fatalf("paid = %+v", paid)
	}

	if rec := doRequest(t, h, http.MethodPost, base+"/cancel", ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel paid status = %d, want 409", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPut, base+"/status", `{"status":"archived"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status code = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/invoices/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/invoices/999", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing invoice status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/invoices/stats?year=2025&month=1", "")
	var summary InvoiceSummary
	decodeJSON(t, rec, &summary)
	if summary.Paid.Count != 1 || summary.Overall.Total != 107.7 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestFinancialEndpoints(t *testing.T) {
	h := newTestApp(t).routes()

	if rec := doRequest(t, h, http.MethodPost, "/api/financials/calculate", `{"year":2025,"month":13}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid month status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/api/financials/calculate", ""); rec.Code != http.StatusOK {
		t.Fatalf("current month status = %d, body %s", rec.Code, rec.Body)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/financials/forecast?months=6", "")
	var forecast Forecast
	decodeJSON(t, rec, &forecast)
	if forecast.Trend != TrendInsufficientData || forecast.HistoryMonths != 1 {
		t.Fatalf("forecast = %+v", forecast)
	}

	if rec := doRequest(t, h, http.MethodGet, "/api/financials/history?months=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad months status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/financials/break-even", "")
	var breakEven BreakEvenResult
	decodeJSON(t, rec, &breakEven)
	if breakEven.BreakEven != nil || breakEven.MonthsAnalyzed != 1 {
		t.Fatalf("break-even = %+v", breakEven)
	}
}

func TestSitesEndpointReturnsEmptyListing(t *testing.T) {
	h := newTestApp(t).routes()
	rec := doRequest(t, h, http.MethodGet, "/api/sites", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"sites":[],"degraded":false}` {
		t.Fatalf("body = %s", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestApp(t).routes()
	rec := doRequest(t, h, http.MethodOptions, "/api/costs/srv-1", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}
}

func TestWebSocketReceivesEvents(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var event struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&event); err != nil || event.Type != EventConnected {
		t.Fatalf("first event = %+v, err = %v", event, err)
	}

	app.hub.Publish(EventServerStatus, Server{ServerID: "srv-9", Status: ServerStatusOffline})
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	if event.Type != EventServerStatus || !strings.Contains(string(event.Data), "srv-9") {
		t.Fatalf("event = %s %s", event.Type, event.Data)
	}
}
