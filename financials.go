package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidPeriod is returned for a year/month outside the calendar
var ErrInvalidPeriod = errors.New("invalid period")

const defaultHistoryMonths = 12

func validPeriod(year, month int) error {
	if year < 2000 || year > 9999 || month < 1 || month > 12 {
		return fmt.Errorf("%w: %d-%02d", ErrInvalidPeriod, year, month)
	}
	return nil
}

// Aggregator rolls costs and prices up into monthly snapshots
type Aggregator struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAggregator creates a monthly aggregator
func NewAggregator(db *gorm.DB) *Aggregator {
	return &Aggregator{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CalculateCurrentMonth computes and stores the snapshot for the current month
func (a *Aggregator) CalculateCurrentMonth(ctx context.Context) (*MonthlyFinancial, error) {
	now := a.now()
	return a.CalculateMonth(ctx, now.Year(), int(now.Month()))
}

// CalculateMonth computes the snapshot for year/month from the current cost
// and pricing records and overwrites any earlier snapshot for that month.
func (a *Aggregator) CalculateMonth(ctx context.Context, year, month int) (*MonthlyFinancial, error) {
	if err := validPeriod(year, month); err != nil {
		return nil, err
	}
	db := a.db.WithContext(ctx)

	var costs []ServerCost
	if err := db.Order("server_id").Find(&costs).Error; err != nil {
		return nil, fmt.Errorf("list server costs: %w", err)
	}
	var pricing []SitePricing
	if err := db.Order("site_id").Find(&pricing).Error; err != nil {
		return nil, fmt.Errorf("list site pricing: %w", err)
	}
	var sites []Site
	if err := db.Select("site_id", "server_id").Find(&sites).Error; err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	assignments := resolveAssignments(sites, pricing)
	for i := range pricing {
		pricing[i].ServerID = assignments[pricing[i].SiteID]
	}

	snapshot := buildMonthlyFinancial(year, month, costs, pricing)
	snapshot.CalculatedAt = a.now()

	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "year"}, {Name: "month"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_revenue", "total_costs", "total_profit", "profit_margin",
			"server_count", "site_count", "server_breakdown", "calculated_at",
		}),
	}).Create(&snapshot).Error
	if err != nil {
		return nil, fmt.Errorf("upsert monthly financial: %w", err)
	}

	var stored MonthlyFinancial
	if err := db.Where("year = ? AND month = ?", year, month).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("reload monthly financial: %w", err)
	}

	log.Info().Int("year", year).Int("month", month).Float64("revenue", stored.TotalRevenue).
		Float64("costs", stored.TotalCosts).Float64("profit", stored.TotalProfit).
		Msg("[Financials] Monthly snapshot calculated")
	return &stored, nil
}

// buildMonthlyFinancial is the pure roll-up. Sites are attributed to the
// server on their pricing record, already resolved by the caller; servers
// without a cost record still get a breakdown row when sites point at them.
func buildMonthlyFinancial(year, month int, costs []ServerCost, pricing []SitePricing) MonthlyFinancial {
	snapshot := MonthlyFinancial{
		Year:            year,
		Month:           month,
		ServerCount:     len(costs),
		SiteCount:       len(pricing),
		ServerBreakdown: []ServerBreakdown{},
	}

	index := make(map[string]int, len(costs))
	for _, c := range costs {
		snapshot.TotalCosts += c.TotalMonthly
		index[c.ServerID] = len(snapshot.ServerBreakdown)
		snapshot.ServerBreakdown = append(snapshot.ServerBreakdown, ServerBreakdown{ServerID: c.ServerID, Cost: c.TotalMonthly})
	}
	for _, p := range pricing {
		snapshot.TotalRevenue += p.ActualPrice
		if p.ServerID == "" {
			continue
		}
		i, ok := index[p.ServerID]
		if !ok {
			i = len(snapshot.ServerBreakdown)
			index[p.ServerID] = i
			snapshot.ServerBreakdown = append(snapshot.ServerBreakdown, ServerBreakdown{ServerID: p.ServerID})
		}
		snapshot.ServerBreakdown[i].Revenue += p.ActualPrice
		snapshot.ServerBreakdown[i].SiteCount++
	}

	for i := range snapshot.ServerBreakdown {
		b := &snapshot.ServerBreakdown[i]
		b.Cost = round2(b.Cost)
		b.Revenue = round2(b.Revenue)
		b.Profit = round2(b.Revenue - b.Cost)
	}
	snapshot.TotalRevenue = round2(snapshot.TotalRevenue)
	snapshot.TotalCosts = round2(snapshot.TotalCosts)
	snapshot.TotalProfit = round2(snapshot.TotalRevenue - snapshot.TotalCosts)
	snapshot.ProfitMargin = round2(percentOf(snapshot.TotalProfit, snapshot.TotalRevenue))
	return snapshot
}

// MonthlyHistory returns the last n snapshots, oldest first
func (a *Aggregator) MonthlyHistory(ctx context.Context, n int) ([]MonthlyFinancial, error) {
	if n <= 0 {
		n = defaultHistoryMonths
	}
	var rows []MonthlyFinancial
	err := a.db.WithContext(ctx).Order("year desc, month desc").Limit(n).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query monthly history: %w", err)
	}
	slices.Reverse(rows)
	return rows, nil
}

// allHistory returns every snapshot, oldest first
func (a *Aggregator) allHistory(ctx context.Context) ([]MonthlyFinancial, error) {
	var rows []MonthlyFinancial
	if err := a.db.WithContext(ctx).Order("year, month").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query monthly history: %w", err)
	}
	return rows, nil
}

// ServerProfitability returns the per-server breakdown of the current month,
// calculating the snapshot first if it does not exist yet.
func (a *Aggregator) ServerProfitability(ctx context.Context) ([]ServerBreakdown, error) {
	now := a.now()
	var snapshot MonthlyFinancial
	err := a.db.WithContext(ctx).Where("year = ? AND month = ?", now.Year(), int(now.Month())).First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		calculated, err := a.CalculateCurrentMonth(ctx)
		if err != nil {
			return nil, err
		}
		return calculated.ServerBreakdown, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current snapshot: %w", err)
	}
	return snapshot.ServerBreakdown, nil
}
