package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BeforeSave keeps the derived totals in step with the components
func (c *ServerCost) BeforeSave(tx *gorm.DB) error {
	c.TotalMonthly = round2(c.CostComponents.Sum())
	c.TotalYearly = round2(c.TotalMonthly * 12)
	return nil
}

// CostLedger stores the static monthly cost of each server
type CostLedger struct {
	db *gorm.DB
}

// NewCostLedger creates a cost ledger
func NewCostLedger(db *gorm.DB) *CostLedger {
	return &CostLedger{db: db}
}

// SetServerCost creates or replaces the cost record of a server
func (l *CostLedger) SetServerCost(ctx context.Context, serverID string, components CostComponents, notes string) (*ServerCost, error) {
	if serverID == "" {
		return nil, errors.New("server id is required")
	}
	if err := validate.Struct(components); err != nil {
		return nil, fmt.Errorf("invalid cost components: %w", err)
	}

	cost := ServerCost{ServerID: serverID, CostComponents: components, Notes: notes}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "server_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"base_cost", "electricity_cost", "network_cost", "amortization", "other_charges",
			"total_monthly", "total_yearly", "notes", "updated_at",
		}),
	}).Create(&cost).Error
	if err != nil {
		return nil, fmt.Errorf("save server cost: %w", err)
	}

	log.Info().Str("server", serverID).Float64("monthly", cost.TotalMonthly).Msg("[Costs] Server cost saved")
	return l.GetServerCost(ctx, serverID)
}

// GetServerCost returns the cost record of a server or ErrNotFound
func (l *CostLedger) GetServerCost(ctx context.Context, serverID string) (*ServerCost, error) {
	var cost ServerCost
	err := l.db.WithContext(ctx).Where("server_id = ?", serverID).First(&cost).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server cost: %w", err)
	}
	return &cost, nil
}

// ListServerCosts returns every cost record
func (l *CostLedger) ListServerCosts(ctx context.Context) ([]ServerCost, error) {
	var costs []ServerCost
	if err := l.db.WithContext(ctx).Order("server_id").Find(&costs).Error; err != nil {
		return nil, fmt.Errorf("list server costs: %w", err)
	}
	return costs, nil
}
