package main

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func snapshots(rows ...[3]float64) []MonthlyFinancial {
	out := make([]MonthlyFinancial, len(rows))
	for i, r := range rows {
		out[i] = MonthlyFinancial{
			Year:         2025,
			Month:        i + 1,
			TotalRevenue: r[0],
			TotalCosts:   r[1],
			TotalProfit:  r[2],
		}
	}
	return out
}

func TestForecastFromHistory(t *testing.T) {
	history := snapshots(
		[3]float64{1000, 600, 400},
		[3]float64{1100, 620, 480},
		[3]float64{1200, 640, 560},
	)

	got := forecastFromHistory(history, 2)

	if got.Trend != TrendGrowing {
		t.Fatalf("Trend = %q, want %q", got.Trend, TrendGrowing)
	}
	if got.RevenueSlope != 100 || got.CostSlope != 20 {
		t.Fatalf("slopes = %v/%v, want 100/20", got.RevenueSlope, got.CostSlope)
	}
	want := []ForecastPoint{
		{Year: 2025, Month: 4, Revenue: 1300, Cost: 660, Profit: 640, Margin: 49.23, Confidence: 30},
		{Year: 2025, Month: 5, Revenue: 1400, Cost: 680, Profit: 720, Margin: 51.43, Confidence: 30},
	}
	if diff := cmp.Diff(want, got.Forecasts); diff != "" {
		t.Fatalf("forecast mismatch (-want +got):\n%s", diff)
	}
}

func TestForecastInsufficientData(t *testing.T) {
	got := forecastFromHistory(snapshots([3]float64{100, 50, 50}, [3]float64{120, 50, 70}), 3)
	if got.Trend != TrendInsufficientData {
		t.Fatalf("Trend = %q, want %q", got.Trend, TrendInsufficientData)
	}
	if got.Forecasts == nil || len(got.Forecasts) != 0 {
		t.Fatalf("Forecasts = %#v, want empty list", got.Forecasts)
	}
}

func TestForecastDecliningClampsAtZero(t *testing.T) {
	history := snapshots(
		[3]float64{300, 100, 200},
		[3]float64{200, 100, 100},
		[3]float64{100, 100, 0},
	)
	got := forecastFromHistory(history, 2)
	if got.Trend != TrendDeclining {
		t.Fatalf("Trend = %q, want %q", got.Trend, TrendDeclining)
	}
	for _, p := range got.Forecasts {
		if p.Revenue != 0 || p.Margin != 0 {
			t.Fatalf("point %+v: want revenue and margin clamped to 0", p)
		}
	}
}

func TestForecastConfidenceDecay(t *testing.T) {
	rows := make([][3]float64, 12)
	for i := range rows {
		rows[i] = [3]float64{1000, 500, 500}
	}
	history := snapshots(rows...)
	got := forecastFromHistory(history, 3)
	if got.Trend != TrendStable {
		t.Fatalf("Trend = %q, want %q", got.Trend, TrendStable)
	}
	var confidences []int
	for _, p := range got.Forecasts {
		confidences = append(confidences, p.Confidence)
	}
	if diff := cmp.Diff([]int{90, 85, 80}, confidences); diff != "" {
		t.Fatalf("confidence mismatch (-want +got):\n%s", diff)
	}
	// December plus one wraps into the next year
	if got.Forecasts[0].Year != 2026 || got.Forecasts[0].Month != 1 {
		t.Fatalf("first target = %d-%d, want 2026-1", got.Forecasts[0].Year, got.Forecasts[0].Month)
	}
}

func TestLinearSlope(t *testing.T) {
	tests := []struct {
		values []float64
		want   float64
	}{
		{nil, 0},
		{[]float64{5}, 0},
		{[]float64{1, 3}, 2},
		{[]float64{2, 4, 9}, 3.5},
	}
	for _, tt := range tests {
		if got := linearSlope(tt.values); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("linearSlope(%v) = %v, want %v", tt.values, got, tt.want)
		}
	}
}

func TestBreakEvenFirstProfitableMonth(t *testing.T) {
	history := snapshots(
		[3]float64{100, 200, -100},
		[3]float64{250, 200, 50},
		[3]float64{300, 200, 100},
	)
	got := breakEvenFromHistory(history)
	if got.BreakEven == nil || got.BreakEven.Month != 2 {
		t.Fatalf("BreakEven = %+v, want month 2", got.BreakEven)
	}
	if got.RequiredRevenue != nil {
		t.Fatalf("RequiredRevenue = %v, want nil", *got.RequiredRevenue)
	}
}

func TestBreakEvenNeverProfitable(t *testing.T) {
	history := snapshots(
		[3]float64{100, 200, -100},
		[3]float64{150, 200, -50},
	)
	got := breakEvenFromHistory(history)
	if got.BreakEven != nil {
		t.Fatalf("BreakEven = %+v, want nil", got.BreakEven)
	}
	if got.RequiredRevenue == nil || *got.RequiredRevenue != 200 {
		t.Fatalf("RequiredRevenue = %v, want 200", got.RequiredRevenue)
	}
	if got.Deficit != 50 {
		t.Fatalf("Deficit = %v, want 50", got.Deficit)
	}
}

func TestSiteROIFromPricing(t *testing.T) {
	rows := siteROIFromPricing([]SitePricing{
		{SiteID: "low", ActualPrice: 12, MonthlyCost: 10, MonthlyProfit: 2},
		{SiteID: "free", ActualPrice: 0, MonthlyCost: 0, MonthlyProfit: 0},
		{SiteID: "high", ActualPrice: 30, MonthlyCost: 10, MonthlyProfit: 20},
		{SiteID: "loss", ActualPrice: 5, MonthlyCost: 10, MonthlyProfit: -5},
	})

	var order []string
	for _, r := range rows {
		order = append(order, r.SiteID)
	}
	if diff := cmp.Diff([]string{"high", "low", "free", "loss"}, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if rows[0].ROI != 200 || rows[0].PaybackMonths == nil || *rows[0].PaybackMonths != 1 {
		t.Fatalf("high = %+v", rows[0])
	}
	if rows[1].PaybackMonths == nil || *rows[1].PaybackMonths != 5 {
		t.Fatalf("low payback = %v, want 5", rows[1].PaybackMonths)
	}
	if rows[2].ROI != 0 || rows[2].PaybackMonths != nil {
		t.Fatalf("free = %+v", rows[2])
	}
	if rows[3].PaybackMonths != nil {
		t.Fatalf("loss payback = %v, want nil", *rows[3].PaybackMonths)
	}
}

func TestCalculateForecastsFromStoredHistory(t *testing.T) {
	db := newTestDB(t)
	agg := NewAggregator(db)
	forecaster := NewForecaster(db, agg)

	got, err := forecaster.CalculateForecasts(t.Context(), 3)
	if err != nil {
		t.Fatalf("CalculateForecasts: %v", err)
	}
	if got.Trend != TrendInsufficientData || len(got.Forecasts) != 0 {
		t.Fatalf("forecast = %+v, want insufficient_data", got)
	}
}
