package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

const maxRequestBody = 1 << 20

// routes registers the JSON API
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/metrics/server", a.apiIngestServerMetric)
	mux.HandleFunc("POST /api/metrics/server/batch", a.apiIngestServerBatch)
	mux.HandleFunc("POST /api/metrics/pagespeed", a.apiIngestPageSpeed)

	mux.HandleFunc("GET /api/servers", a.apiServers)
	mux.HandleFunc("GET /api/servers/{id}/history", a.apiServerHistory)
	mux.HandleFunc("GET /api/sites", a.apiSites)
	mux.HandleFunc("GET /api/sites/{id}/history", a.apiSiteHistory)
	mux.HandleFunc("GET /api/sites/{id}/pagespeed", a.apiPageSpeedHistory)
	mux.HandleFunc("GET /api/stats", a.apiStats)
	mux.HandleFunc("GET /api/events", a.apiSSE)
	mux.HandleFunc("GET /api/ws", func(w http.ResponseWriter, r *http.Request) { serveWebSocket(a.hub, w, r) })

	mux.HandleFunc("GET /api/costs", a.apiCosts)
	mux.HandleFunc("GET /api/costs/{serverId}", a.apiGetCost)
	mux.HandleFunc("PUT /api/costs/{serverId}", a.apiSetCost)

	mux.HandleFunc("GET /api/pricing", a.apiPricing)
	mux.HandleFunc("GET /api/pricing/{siteId}", a.apiGetPricing)
	mux.HandleFunc("PUT /api/pricing/{siteId}", a.apiSetPricing)
	mux.HandleFunc("GET /api/pricing/{siteId}/suggested", a.apiSuggestedPrice)
	mux.HandleFunc("POST /api/pricing/recalculate", a.apiRecalculatePrices)

	mux.HandleFunc("POST /api/financials/calculate", a.apiCalculateMonth)
	mux.HandleFunc("GET /api/financials/history", a.apiFinancialHistory)
	mux.HandleFunc("GET /api/financials/servers", a.apiServerProfitability)
	mux.HandleFunc("GET /api/financials/forecast", a.apiForecast)
	mux.HandleFunc("GET /api/financials/break-even", a.apiBreakEven)
	mux.HandleFunc("GET /api/financials/roi", a.apiSiteROI)

	mux.HandleFunc("POST /api/invoices/generate", a.apiGenerateInvoices)
	mux.HandleFunc("POST /api/invoices/check-overdue", a.apiCheckOverdue)
	mux.HandleFunc("GET /api/invoices", a.apiInvoices)
	mux.HandleFunc("GET /api/invoices/stats", a.apiInvoiceStats)
	mux.HandleFunc("GET /api/invoices/{id}", a.apiGetInvoice)
	mux.HandleFunc("PUT /api/invoices/{id}/status", a.apiInvoiceStatus)
	mux.HandleFunc("POST /api/invoices/{id}/pay", a.apiPayInvoice)
	mux.HandleFunc("POST /api/invoices/{id}/cancel", a.apiCancelInvoice)

	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("[API] Request")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("[API] Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if status >= http.StatusInternalServerError {
		log.Error().Str("method", r.Method).Str("path", r.URL.Path).Str("error", msg).Msg("[API] Request failed")
	} else {
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Str("error", msg).
			Msg("[API] Request rejected")
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto HTTP status codes
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidPeriod):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.As(err, &verrs):
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
	default:
		writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody reads a JSON body into v and validates it. An empty body is
// allowed when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		if optional {
			return nil
		}
		return errors.New("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return errors.New(validationMessage(err))
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter", key)
	}
	return v, nil
}

func pathID(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		return 0, errors.New("invalid id parameter")
	}
	return uint(id), nil
}

// apiIngestServerMetric accepts one push from a server agent
func (a *App) apiIngestServerMetric(w http.ResponseWriter, r *http.Request) {
	var payload ServerMetricPayload
	if err := decodeBody(r, &payload, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.limiter.Allow(payload.ServerID) {
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	metric, err := a.store.IngestServerMetric(r.Context(), payload.ServerID, payload)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, metric)
}

// apiIngestServerBatch stores several pushes; failures are reported per server
func (a *App) apiIngestServerBatch(w http.ResponseWriter, r *http.Request) {
	var payloads []ServerMetricPayload
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err == nil {
		err = json.Unmarshal(body, &payloads)
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	report := IngestReport{Failed: []IngestFailure{}}
	accepted := make([]ServerMetricPayload, 0, len(payloads))
	for _, p := range payloads {
		if err := validate.Struct(p); err != nil {
			report.Failed = append(report.Failed, IngestFailure{ServerID: p.ServerID, Error: validationMessage(err)})
			continue
		}
		if !a.limiter.Allow(p.ServerID) {
			report.Failed = append(report.Failed, IngestFailure{ServerID: p.ServerID, Error: "rate limit exceeded"})
			continue
		}
		accepted = append(accepted, p)
	}

	stored := a.store.IngestServerMetrics(r.Context(), accepted)
	report.Accepted = stored.Accepted
	report.Failed = append(report.Failed, stored.Failed...)
	log.Info().Int("accepted", report.Accepted).Int("failed", len(report.Failed)).Msg("[API] Batch ingested")
	writeJSON(w, http.StatusOK, report)
}

type pageSpeedRequest struct {
	SiteID           string  `json:"siteId" validate:"required,max=128"`
	URL              string  `json:"url" validate:"omitempty,url"`
	Strategy         string  `json:"strategy" validate:"required,oneof=mobile desktop"`
	PerformanceScore float64 `json:"performanceScore" validate:"gte=0,lte=100"`
	LCP              float64 `json:"lcp" validate:"gte=0"`
	FID              float64 `json:"fid" validate:"gte=0"`
	CLS              float64 `json:"cls" validate:"gte=0"`
	FCP              float64 `json:"fcp" validate:"gte=0"`
	TTFB             float64 `json:"ttfb" validate:"gte=0"`
	SpeedIndex       float64 `json:"speedIndex" validate:"gte=0"`
	TTI              float64 `json:"tti" validate:"gte=0"`
	TBT              float64 `json:"tbt" validate:"gte=0"`
	LoadTime         float64 `json:"loadTime" validate:"gte=0"`
}

// apiIngestPageSpeed stores a PageSpeed snapshot, at most one per day
func (a *App) apiIngestPageSpeed(w http.ResponseWriter, r *http.Request) {
	var req pageSpeedRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	metric, created, err := a.store.IngestPageSpeed(r.Context(), PageSpeedMetric{
		SiteID:           req.SiteID,
		URL:              req.URL,
		Strategy:         req.Strategy,
		PerformanceScore: req.PerformanceScore,
		LCP:              req.LCP,
		FID:              req.FID,
		CLS:              req.CLS,
		FCP:              req.FCP,
		TTFB:             req.TTFB,
		SpeedIndex:       req.SpeedIndex,
		TTI:              req.TTI,
		TBT:              req.TBT,
		LoadTime:         req.LoadTime,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"created": created, "metric": metric})
}

func (a *App) apiServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.store.ListServers(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (a *App) apiServerHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	period := normalizePeriod(r.URL.Query().Get("period"))
	points, err := a.store.ServerHistory(r.Context(), id, period)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"serverId": id, "period": period, "points": points})
}

// apiSites resolves and probes every site. One failing site never blanks the listing.
func (a *App) apiSites(w http.ResponseWriter, r *http.Request) {
	listing := a.monitor.CheckAllSites(r.Context())
	writeJSON(w, http.StatusOK, listing)
}

func (a *App) apiSiteHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	period := normalizePeriod(r.URL.Query().Get("period"))
	points, err := a.store.SiteHistory(r.Context(), id, period)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"siteId": id, "period": period, "points": points})
}

func (a *App) apiPageSpeedHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	period := normalizePeriod(r.URL.Query().Get("period"))
	strategy := r.URL.Query().Get("strategy")
	if strategy != "" && strategy != StrategyMobile && strategy != StrategyDesktop {
		writeError(w, r, http.StatusBadRequest, "strategy must be mobile or desktop")
		return
	}
	points, err := a.store.PageSpeedHistory(r.Context(), id, strategy, period)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"siteId": id, "period": period, "strategy": strategy, "points": points})
}

func (a *App) apiStats(w http.ResponseWriter, r *http.Request) {
	stats, err := getStats(r.Context(), a.db)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// apiSSE handles Server-Sent Events connections
func (a *App) apiSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, unsubscribe := a.hub.Subscribe()
	defer unsubscribe()

	hello, _ := encodeEvent(EventConnected, nil)
	fmt.Fprintf(w, "data: %s\n\n", hello)
	flusher.Flush()

	// Keep connection alive and send updates
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	messageCount := 0
	startTime := time.Now()
	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				return
			}
			messageCount++
			fmt.Fprintf(w, "data: %s\n\n", message)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			log.Info().Str("client_id", client.ID).Dur("duration", time.Since(startTime)).
				Int("messages", messageCount).Msg("[SSE] Client stream closed")
			return
		}
	}
}

func (a *App) apiCosts(w http.ResponseWriter, r *http.Request) {
	costs, err := a.ledger.ListServerCosts(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, costs)
}

func (a *App) apiGetCost(w http.ResponseWriter, r *http.Request) {
	cost, err := a.ledger.GetServerCost(r.Context(), r.PathValue("serverId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cost)
}

type costRequest struct {
	CostComponents
	Notes string `json:"notes" validate:"max=1024"`
}

func (a *App) apiSetCost(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	cost, err := a.ledger.SetServerCost(r.Context(), r.PathValue("serverId"), req.CostComponents, req.Notes)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cost)
}

func (a *App) apiPricing(w http.ResponseWriter, r *http.Request) {
	pricing, err := a.pricing.ListSitePricing(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pricing)
}

func (a *App) apiGetPricing(w http.ResponseWriter, r *http.Request) {
	pricing, err := a.pricing.GetSitePricing(r.Context(), r.PathValue("siteId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pricing)
}

func (a *App) apiSetPricing(w http.ResponseWriter, r *http.Request) {
	var update SitePricingUpdate
	if err := decodeBody(r, &update, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pricing, err := a.pricing.SetSitePricing(r.Context(), r.PathValue("siteId"), update)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pricing)
}

func (a *App) apiSuggestedPrice(w http.ResponseWriter, r *http.Request) {
	opts := PriceOptions{Period: r.URL.Query().Get("period")}
	if raw := r.URL.Query().Get("margin"); raw != "" {
		margin, err := strconv.ParseFloat(raw, 64)
		if err != nil || margin < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid margin parameter")
			return
		}
		opts.MarginPercent = &margin
	}
	suggestion, err := a.pricing.CalculateSuggestedPrice(r.Context(), r.PathValue("siteId"), opts)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestion)
}

func (a *App) apiRecalculatePrices(w http.ResponseWriter, r *http.Request) {
	suggestions, err := a.pricing.UpdateAllSuggestedPrices(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(suggestions), "suggestions": suggestions})
}

type periodRequest struct {
	Year  int `json:"year" validate:"omitempty,gte=2000,lte=9999"`
	Month int `json:"month" validate:"omitempty,gte=1,lte=12"`
}

// apiCalculateMonth computes the snapshot for the requested month, or the current one
func (a *App) apiCalculateMonth(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var (
		snapshot *MonthlyFinancial
		err      error
	)
	if req.Year == 0 && req.Month == 0 {
		snapshot, err = a.aggregator.CalculateCurrentMonth(r.Context())
	} else {
		snapshot, err = a.aggregator.CalculateMonth(r.Context(), req.Year, req.Month)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *App) apiFinancialHistory(w http.ResponseWriter, r *http.Request) {
	months, err := queryInt(r, "months", defaultHistoryMonths)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	history, err := a.aggregator.MonthlyHistory(r.Context(), months)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *App) apiServerProfitability(w http.ResponseWriter, r *http.Request) {
	breakdown, err := a.aggregator.ServerProfitability(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (a *App) apiForecast(w http.ResponseWriter, r *http.Request) {
	months, err := queryInt(r, "months", 3)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	forecast, err := a.forecaster.CalculateForecasts(r.Context(), months)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

func (a *App) apiBreakEven(w http.ResponseWriter, r *http.Request) {
	result, err := a.forecaster.BreakEven(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *App) apiSiteROI(w http.ResponseWriter, r *http.Request) {
	rows, err := a.forecaster.SiteROI(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type generateRequest struct {
	Year  int `json:"year" validate:"required,gte=2000,lte=9999"`
	Month int `json:"month" validate:"required,gte=1,lte=12"`
}

func (a *App) apiGenerateInvoices(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	report, err := a.invoices.GenerateMonthlyInvoices(r.Context(), req.Year, req.Month)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *App) apiCheckOverdue(w http.ResponseWriter, r *http.Request) {
	overdue, err := a.invoices.CheckOverdueInvoices(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(overdue), "invoices": overdue})
}

func (a *App) apiInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := InvoiceFilter{SiteID: q.Get("siteId"), Status: q.Get("status")}
	if filter.Status != "" && !knownInvoiceStatus(filter.Status) {
		writeError(w, r, http.StatusBadRequest, "unknown status")
		return
	}
	var err error
	if filter.Year, err = queryInt(r, "year", 0); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Month, err = queryInt(r, "month", 0); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	invoices, err := a.invoices.ListInvoices(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

func (a *App) apiInvoiceStats(w http.ResponseWriter, r *http.Request) {
	year, err := queryInt(r, "year", time.Now().UTC().Year())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	month, err := queryInt(r, "month", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := a.invoices.InvoiceStats(r.Context(), year, month)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) apiGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	invoice, err := a.invoices.GetInvoice(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=draft sent paid overdue cancelled"`
}

func (a *App) apiInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req statusRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	invoice, err := a.invoices.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (a *App) apiPayInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var payment PaymentData
	if err := decodeBody(r, &payment, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	invoice, err := a.invoices.MarkAsPaid(r.Context(), id, payment)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (a *App) apiCancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	invoice, err := a.invoices.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}
