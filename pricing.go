package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Reasons reported with a zero suggestion
const (
	reasonNoSiteMetrics     = "no site metrics in period"
	reasonServerNotAssigned = "server not assigned"
	reasonCostNotConfigured = "cost not configured"
)

const (
	secondsPerMonth = 30 * 24 * 60 * 60
	bytesPerGB      = 1024 * 1024 * 1024
)

// BeforeSave keeps profit and margin consistent with price and cost
func (p *SitePricing) BeforeSave(tx *gorm.DB) error {
	p.MonthlyProfit = round2(p.ActualPrice - p.MonthlyCost)
	p.ProfitMargin = round2(percentOf(p.MonthlyProfit, p.ActualPrice))
	return nil
}

// PriceOptions parameterise a suggestion. A nil MarginPercent uses the
// configured default; zero is a valid margin.
type PriceOptions struct {
	Period        string
	MarginPercent *float64
}

// PriceDiagnostics explains how a suggestion was derived
type PriceDiagnostics struct {
	SiteSamples      int     `json:"siteSamples"`
	ServerSamples    int     `json:"serverSamples"`
	AvgCPU           float64 `json:"avgCpu"`
	AvgRAM           float64 `json:"avgRam"`
	AvgDisk          float64 `json:"avgDisk"`
	AvgNetworkBps    float64 `json:"avgNetworkBytesPerSec"`
	AvgDiskUsedBytes float64 `json:"avgDiskUsedBytes"`
	SiteCount        int     `json:"siteCount"`
	ResourceShare    float64 `json:"resourceShare"`
	EqualSplit       bool    `json:"equalSplit,omitempty"`
	BandwidthGB      float64 `json:"bandwidthGb"`
	StorageGB        float64 `json:"storageGb"`
}

// PriceSuggestion is the result of a suggested price calculation. A zero
// price always carries a reason.
type PriceSuggestion struct {
	SiteID         string           `json:"siteId"`
	ServerID       string           `json:"serverId,omitempty"`
	Period         string           `json:"period"`
	SuggestedPrice float64          `json:"suggestedPrice"`
	BaseCost       float64          `json:"baseCost"`
	MarginPercent  float64          `json:"marginPercent"`
	Breakdown      PriceBreakdown   `json:"breakdown"`
	Diagnostics    PriceDiagnostics `json:"diagnostics"`
	Reason         string           `json:"reason,omitempty"`
}

// SitePricingUpdate is an operator write to a site's pricing. Nil fields are
// left unchanged.
type SitePricingUpdate struct {
	ActualPrice *float64 `json:"actualPrice" validate:"omitempty,gte=0"`
	MonthlyCost *float64 `json:"monthlyCost" validate:"omitempty,gte=0"`
	ServerID    *string  `json:"serverId" validate:"omitempty,max=128"`
}

// PricingEngine derives suggested prices from metrics and server costs
type PricingEngine struct {
	db    *gorm.DB
	rates PricingRates
	now   func() time.Time
}

// NewPricingEngine creates a pricing engine using rates
func NewPricingEngine(db *gorm.DB, rates PricingRates) *PricingEngine {
	return &PricingEngine{db: db, rates: rates, now: func() time.Time { return time.Now().UTC() }}
}

// CalculateSuggestedPrice estimates what a site should be charged. Missing
// data yields a zero price with a reason; only store failures are errors.
func (e *PricingEngine) CalculateSuggestedPrice(ctx context.Context, siteID string, opts PriceOptions) (PriceSuggestion, error) {
	period := normalizePeriod(opts.Period)
	margin := e.rates.MarginPercent
	if opts.MarginPercent != nil {
		margin = *opts.MarginPercent
	}
	result := PriceSuggestion{SiteID: siteID, Period: period, MarginPercent: margin}
	db := e.db.WithContext(ctx)
	cutoff := e.now().Add(-historyPeriods[period])

	var siteSamples int64
	if err := db.Model(&SiteMetric{}).Where("site_id = ? AND timestamp >= ?", siteID, cutoff).Count(&siteSamples).Error; err != nil {
		return result, fmt.Errorf("count site metrics: %w", err)
	}
	result.Diagnostics.SiteSamples = int(siteSamples)
	if siteSamples == 0 {
		result.Reason = reasonNoSiteMetrics
		return result, nil
	}

	assignments, err := e.siteAssignments(ctx)
	if err != nil {
		return result, err
	}
	serverID := assignments[siteID]
	if serverID == "" {
		result.Reason = reasonServerNotAssigned
		return result, nil
	}
	result.ServerID = serverID

	var cost ServerCost
	err = db.Where("server_id = ?", serverID).First(&cost).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		result.Reason = reasonCostNotConfigured
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("get server cost: %w", err)
	}

	siteCount := 0
	for _, s := range assignments {
		if s == serverID {
			siteCount++
		}
	}
	siteCount = max(siteCount, 1)

	var usage struct {
		Samples     int64
		AvgCPU      sql.NullFloat64
		AvgRAM      sql.NullFloat64
		AvgDisk     sql.NullFloat64
		AvgNetwork  sql.NullFloat64
		AvgDiskUsed sql.NullFloat64
	}
	err = db.Model(&ServerMetric{}).
		Select(`COUNT(*) as samples,
			AVG(cpu_usage) as avg_cpu,
			AVG(ram_percent) as avg_ram,
			AVG(disk_percent) as avg_disk,
			AVG(net_rx + net_tx) as avg_network,
			AVG(disk_used) as avg_disk_used`).
		Where("server_id = ? AND timestamp >= ?", serverID, cutoff).
		Scan(&usage).Error
	if err != nil {
		return result, fmt.Errorf("aggregate server metrics: %w", err)
	}

	d := &result.Diagnostics
	d.ServerSamples = int(usage.Samples)
	d.SiteCount = siteCount
	d.AvgCPU = round2(usage.AvgCPU.Float64)
	d.AvgRAM = round2(usage.AvgRAM.Float64)
	d.AvgDisk = round2(usage.AvgDisk.Float64)
	d.AvgNetworkBps = round2(usage.AvgNetwork.Float64)
	d.AvgDiskUsedBytes = usage.AvgDiskUsed.Float64

	sites := float64(siteCount)
	var share float64
	if usage.Samples == 0 {
		share = 100 / sites
		d.EqualSplit = true
	} else {
		share = (usage.AvgCPU.Float64/sites + usage.AvgRAM.Float64/sites + usage.AvgDisk.Float64/sites) / 3
	}
	d.ResourceShare = round2(share)

	bandwidthGB := usage.AvgNetwork.Float64 * secondsPerMonth / sites / bytesPerGB
	storageGB := usage.AvgDiskUsed.Float64 / sites / bytesPerGB
	d.BandwidthGB = round2(bandwidthGB)
	d.StorageGB = round2(storageGB)

	serverShare := cost.TotalMonthly * share / 100
	bandwidth := bandwidthGB * e.rates.BandwidthPerGB
	storage := storageGB * e.rates.StoragePerGB
	var requests float64
	if e.rates.AvgRequestKB > 0 {
		requests = bandwidthGB * 1024 * 1024 / e.rates.AvgRequestKB / 1000 * e.rates.Per1kRequests
	}
	baseCost := serverShare + bandwidth + storage + requests
	marginAmount := baseCost * margin / 100

	result.BaseCost = round2(baseCost)
	result.SuggestedPrice = round2(baseCost + marginAmount)
	result.Breakdown = PriceBreakdown{
		ServerShare: round2(serverShare),
		Bandwidth:   round2(bandwidth),
		Storage:     round2(storage),
		Requests:    round2(requests),
		Margin:      round2(marginAmount),
	}
	return result, nil
}

// siteAssignments maps every known site to its hosting server
func (e *PricingEngine) siteAssignments(ctx context.Context) (map[string]string, error) {
	var sites []Site
	if err := e.db.WithContext(ctx).Select("site_id", "server_id").Find(&sites).Error; err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	var pricing []SitePricing
	if err := e.db.WithContext(ctx).Select("site_id", "server_id").Find(&pricing).Error; err != nil {
		return nil, fmt.Errorf("list site pricing: %w", err)
	}
	return resolveAssignments(sites, pricing), nil
}

// resolveAssignments applies the hosting chain: a server set on the pricing
// record wins over the one on the site record. Sites with neither map to "".
func resolveAssignments(sites []Site, pricing []SitePricing) map[string]string {
	assignments := make(map[string]string, len(sites)+len(pricing))
	for _, s := range sites {
		assignments[s.SiteID] = s.ServerID
	}
	for _, p := range pricing {
		if p.ServerID != "" {
			assignments[p.SiteID] = p.ServerID
		} else if _, ok := assignments[p.SiteID]; !ok {
			assignments[p.SiteID] = ""
		}
	}
	return assignments
}

// CalculateAllSuggestedPrices computes a suggestion for every known site
func (e *PricingEngine) CalculateAllSuggestedPrices(ctx context.Context, opts PriceOptions) ([]PriceSuggestion, error) {
	assignments, err := e.siteAssignments(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	results := make([]PriceSuggestion, 0, len(ids))
	for _, id := range ids {
		s, err := e.CalculateSuggestedPrice(ctx, id, opts)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", id, err)
		}
		results = append(results, s)
	}
	return results, nil
}

// UpdateAllSuggestedPrices recomputes every suggestion and stores it on the
// site's pricing record. Running it twice gives the same records.
func (e *PricingEngine) UpdateAllSuggestedPrices(ctx context.Context) ([]PriceSuggestion, error) {
	suggestions, err := e.CalculateAllSuggestedPrices(ctx, PriceOptions{})
	if err != nil {
		return nil, err
	}
	now := e.now()

	for _, s := range suggestions {
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			pricing, err := loadOrNewPricing(tx, s.SiteID)
			if err != nil {
				return err
			}
			pricing.SuggestedPrice = s.SuggestedPrice
			pricing.SuggestedBreakdown = s.Breakdown
			if s.ServerID != "" {
				pricing.ServerID = s.ServerID
			}
			if s.Reason == "" {
				pricing.MonthlyCost = s.BaseCost
			}
			pricing.LastCalculated = &now
			return tx.Save(pricing).Error
		})
		if err != nil {
			return nil, fmt.Errorf("save pricing for %s: %w", s.SiteID, err)
		}
		log.Debug().Str("site", s.SiteID).Float64("suggested", s.SuggestedPrice).Str("reason", s.Reason).
			Msg("[Pricing] Stored suggested price")
	}

	log.Info().Int("sites", len(suggestions)).Msg("[Pricing] Suggested prices recalculated")
	return suggestions, nil
}

func loadOrNewPricing(tx *gorm.DB, siteID string) (*SitePricing, error) {
	var pricing SitePricing
	err := tx.Where("site_id = ?", siteID).First(&pricing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &SitePricing{SiteID: siteID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &pricing, nil
}

// SetSitePricing applies an operator update to a site's pricing record,
// creating it when needed.
func (e *PricingEngine) SetSitePricing(ctx context.Context, siteID string, update SitePricingUpdate) (*SitePricing, error) {
	if siteID == "" {
		return nil, errors.New("site id is required")
	}
	if err := validate.Struct(update); err != nil {
		return nil, fmt.Errorf("invalid pricing update: %w", err)
	}

	var saved *SitePricing
	err := retryOnConflict(ctx, defaultConflictRetry, func() error {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			pricing, err := loadOrNewPricing(tx, siteID)
			if err != nil {
				return err
			}
			if update.ActualPrice != nil {
				pricing.ActualPrice = round2(*update.ActualPrice)
			}
			if update.MonthlyCost != nil {
				pricing.MonthlyCost = round2(*update.MonthlyCost)
			}
			if update.ServerID != nil {
				pricing.ServerID = *update.ServerID
			}
			if err := tx.Save(pricing).Error; err != nil {
				return err
			}
			saved = pricing
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("save site pricing: %w", err)
	}

	log.Info().Str("site", siteID).Float64("actual", saved.ActualPrice).Float64("profit", saved.MonthlyProfit).
		Msg("[Pricing] Site pricing updated")
	return saved, nil
}

// GetSitePricing returns a site's pricing record or ErrNotFound
func (e *PricingEngine) GetSitePricing(ctx context.Context, siteID string) (*SitePricing, error) {
	var pricing SitePricing
	err := e.db.WithContext(ctx).Where("site_id = ?", siteID).First(&pricing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get site pricing: %w", err)
	}
	return &pricing, nil
}

// ListSitePricing returns every pricing record
func (e *PricingEngine) ListSitePricing(ctx context.Context) ([]SitePricing, error) {
	var pricing []SitePricing
	if err := e.db.WithContext(ctx).Order("site_id").Find(&pricing).Error; err != nil {
		return nil, fmt.Errorf("list site pricing: %w", err)
	}
	return pricing, nil
}
