package main

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"gorm.io/gorm"
)

// Revenue trends
const (
	TrendGrowing          = "growing"
	TrendDeclining        = "declining"
	TrendStable           = "stable"
	TrendInsufficientData = "insufficient_data"
)

const (
	minForecastHistory = 3
	maxForecastHistory = 12
	maxForecastMonths  = 24
)

// ForecastPoint is the projection for one future month
type ForecastPoint struct {
	Year       int     `json:"year"`
	Month      int     `json:"month"`
	Revenue    float64 `json:"revenue"`
	Cost       float64 `json:"cost"`
	Profit     float64 `json:"profit"`
	Margin     float64 `json:"margin"`
	Confidence int     `json:"confidence"`
}

// Forecast is a regression projection over the monthly history
type Forecast struct {
	Trend         string          `json:"trend"`
	HistoryMonths int             `json:"historyMonths"`
	RevenueSlope  float64         `json:"revenueSlope"`
	CostSlope     float64         `json:"costSlope"`
	Forecasts     []ForecastPoint `json:"forecasts"`
}

// BreakEvenMonth is the first profitable month
type BreakEvenMonth struct {
	Year    int     `json:"year"`
	Month   int     `json:"month"`
	Revenue float64 `json:"revenue"`
	Profit  float64 `json:"profit"`
}

// BreakEvenResult reports when the fleet first turned a profit. When it never
// has, the last month's deficit and the revenue that would have covered it
// are reported instead.
type BreakEvenResult struct {
	BreakEven       *BreakEvenMonth `json:"breakEven"`
	MonthsAnalyzed  int             `json:"monthsAnalyzed"`
	Deficit         float64         `json:"deficit,omitempty"`
	RequiredRevenue *float64        `json:"requiredRevenue,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// SiteROI is the return on a site's monthly cost
type SiteROI struct {
	SiteID        string  `json:"siteId"`
	ServerID      string  `json:"serverId,omitempty"`
	ActualPrice   float64 `json:"actualPrice"`
	MonthlyCost   float64 `json:"monthlyCost"`
	MonthlyProfit float64 `json:"monthlyProfit"`
	ROI           float64 `json:"roi"`
	PaybackMonths *int    `json:"paybackPeriodMonths"`
}

// Forecaster projects and analyses the monthly history
type Forecaster struct {
	db         *gorm.DB
	aggregator *Aggregator
}

// NewForecaster creates a forecaster over the aggregator's snapshots
func NewForecaster(db *gorm.DB, aggregator *Aggregator) *Forecaster {
	return &Forecaster{db: db, aggregator: aggregator}
}

// CalculateForecasts projects the next months from up to 12 months of history
func (f *Forecaster) CalculateForecasts(ctx context.Context, months int) (Forecast, error) {
	history, err := f.aggregator.MonthlyHistory(ctx, maxForecastHistory)
	if err != nil {
		return Forecast{}, err
	}
	return forecastFromHistory(history, months), nil
}

// forecastFromHistory expects history oldest first
func forecastFromHistory(history []MonthlyFinancial, months int) Forecast {
	if len(history) > maxForecastHistory {
		history = history[len(history)-maxForecastHistory:]
	}
	result := Forecast{HistoryMonths: len(history), Forecasts: []ForecastPoint{}}
	if len(history) < minForecastHistory {
		result.Trend = TrendInsufficientData
		return result
	}
	months = min(max(months, 1), maxForecastMonths)

	revenues := make([]float64, len(history))
	costs := make([]float64, len(history))
	for i, h := range history {
		revenues[i] = h.TotalRevenue
		costs[i] = h.TotalCosts
	}
	revenueSlope := linearSlope(revenues)
	costSlope := linearSlope(costs)
	result.RevenueSlope = round2(revenueSlope)
	result.CostSlope = round2(costSlope)

	switch {
	case revenueSlope > 0:
		result.Trend = TrendGrowing
	case revenueSlope < 0:
		result.Trend = TrendDeclining
	default:
		result.Trend = TrendStable
	}

	last := history[len(history)-1]
	lastMonth := time.Date(last.Year, time.Month(last.Month), 1, 0, 0, 0, 0, time.UTC)
	baseConfidence := min(len(history)*8, 95)

	for i := 1; i <= months; i++ {
		revenue := math.Max(0, last.TotalRevenue+revenueSlope*float64(i))
		cost := math.Max(0, last.TotalCosts+costSlope*float64(i))
		profit := revenue - cost
		target := lastMonth.AddDate(0, i, 0)
		result.Forecasts = append(result.Forecasts, ForecastPoint{
			Year:       target.Year(),
			Month:      int(target.Month()),
			Revenue:    round2(revenue),
			Cost:       round2(cost),
			Profit:     round2(profit),
			Margin:     round2(percentOf(profit, revenue)),
			Confidence: max(baseConfidence-5*i, 30),
		})
	}
	return result
}

// linearSlope is the least-squares slope of values against their index
func linearSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for i, v := range values {
		sumX += float64(i)
		sumY += v
	}
	meanX, meanY := sumX/n, sumY/n

	var num, den float64
	for i, v := range values {
		dx := float64(i) - meanX
		num += dx * (v - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// BreakEven finds the first profitable month in the full history
func (f *Forecaster) BreakEven(ctx context.Context) (BreakEvenResult, error) {
	history, err := f.aggregator.allHistory(ctx)
	if err != nil {
		return BreakEvenResult{}, err
	}
	return breakEvenFromHistory(history), nil
}

func breakEvenFromHistory(history []MonthlyFinancial) BreakEvenResult {
	result := BreakEvenResult{MonthsAnalyzed: len(history)}
	if len(history) == 0 {
		result.Reason = "no financial history"
		return result
	}
	for _, h := range history {
		if h.TotalProfit > 0 {
			result.BreakEven = &BreakEvenMonth{Year: h.Year, Month: h.Month, Revenue: h.TotalRevenue, Profit: h.TotalProfit}
			return result
		}
	}

	last := history[len(history)-1]
	deficit := math.Abs(last.TotalProfit)
	required := round2(last.TotalRevenue + deficit)
	result.Deficit = round2(deficit)
	result.RequiredRevenue = &required
	result.Reason = "no profitable month yet"
	return result
}

// SiteROI ranks sites by return on their monthly cost, best first
func (f *Forecaster) SiteROI(ctx context.Context) ([]SiteROI, error) {
	var pricing []SitePricing
	if err := f.db.WithContext(ctx).Order("site_id").Find(&pricing).Error; err != nil {
		return nil, fmt.Errorf("list site pricing: %w", err)
	}
	return siteROIFromPricing(pricing), nil
}

func siteROIFromPricing(pricing []SitePricing) []SiteROI {
	rows := make([]SiteROI, 0, len(pricing))
	for _, p := range pricing {
		row := SiteROI{
			SiteID:        p.SiteID,
			ServerID:      p.ServerID,
			ActualPrice:   p.ActualPrice,
			MonthlyCost:   p.MonthlyCost,
			MonthlyProfit: p.MonthlyProfit,
			ROI:           round2(percentOf(p.MonthlyProfit, p.MonthlyCost)),
		}
		if p.MonthlyProfit > 0 {
			payback := int(math.Ceil(p.MonthlyCost / p.MonthlyProfit))
			row.PaybackMonths = &payback
		}
		rows = append(rows, row)
	}
	slices.SortStableFunc(rows, func(a, b SiteROI) int {
		return cmp.Compare(b.ROI, a.ROI)
	})
	return rows
}
