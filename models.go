package main

import "time"

// Server status values
const (
	ServerStatusUnknown = "unknown"
	ServerStatusOnline  = "online"
	ServerStatusOffline = "offline"
)

// Site probe status values
const (
	SiteStatusOnline  = "online"
	SiteStatusOffline = "offline"
	SiteStatusWarning = "warning"
	SiteStatusError   = "error"
)

// PageSpeed strategies
const (
	StrategyMobile  = "mobile"
	StrategyDesktop = "desktop"
)

// Server represents a machine hosting one or more sites
type Server struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	ServerID   string     `gorm:"not null;uniqueIndex" json:"serverId"`
	Name       string     `json:"name"`
	Host       string     `json:"host,omitempty"`
	Status     string     `gorm:"default:unknown;index" json:"status"`
	LastSeen   *time.Time `gorm:"index" json:"lastSeen,omitempty"`
	ConfigHash string     `gorm:"index" json:"configHash,omitempty"` // Hash of YAML config (empty if created via API/ingest)
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Site represents a hosted website known to the fleet
type Site struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SiteID     string    `gorm:"not null;uniqueIndex" json:"siteId"`
	Slug       string    `json:"slug"`
	Name       string    `json:"name"`
	Domain     string    `json:"domain,omitempty"`
	External   bool      `gorm:"default:false" json:"external"`
	ServerID   string    `gorm:"index" json:"serverId,omitempty"` // Explicit hosting assignment
	ConfigHash string    `gorm:"index" json:"configHash,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CPUStats is the CPU section of a server metric
type CPUStats struct {
	Usage float64 `json:"usage"`
	Cores int     `json:"cores"`
}

// RAMStats is the memory section of a server metric, in bytes
type RAMStats struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// DiskUsage describes one mounted filesystem
type DiskUsage struct {
	Mount   string  `json:"mount"`
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// NetworkStats holds receive/transmit throughput in bytes per second
type NetworkStats struct {
	RX float64 `json:"rx"`
	TX float64 `json:"tx"`
}

// ServerMetric is one immutable telemetry sample pushed by a server agent
type ServerMetric struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	ServerID    string       `gorm:"not null;index:idx_server_metric_ts,priority:1" json:"serverId"`
	Timestamp   time.Time    `gorm:"not null;index:idx_server_metric_ts,priority:2,sort:desc" json:"timestamp"`
	CPU         CPUStats     `gorm:"embedded;embeddedPrefix:cpu_" json:"cpu"`
	RAM         RAMStats     `gorm:"embedded;embeddedPrefix:ram_" json:"ram"`
	Disk        []DiskUsage  `gorm:"serializer:json" json:"disk"`
	DiskPercent float64      `gorm:"default:0" json:"diskPercent"` // used/total across all mounts
	DiskUsed    uint64       `gorm:"default:0" json:"diskUsed"`
	Network     NetworkStats `gorm:"embedded;embeddedPrefix:net_" json:"network"`
}

// SiteMetric is one immutable probe result for a site
type SiteMetric struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SiteID           string    `gorm:"not null;index:idx_site_metric_ts,priority:1" json:"siteId"`
	Status           string    `gorm:"not null" json:"status"`
	Latency          int       `gorm:"default:0" json:"latency"` // milliseconds
	StatusCode       int       `gorm:"default:0" json:"statusCode"`
	SSLValid         bool      `gorm:"default:false" json:"sslValid"`
	SSLExpiresInDays int       `gorm:"default:0" json:"sslExpiresInDays"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `gorm:"not null;index:idx_site_metric_ts,priority:2,sort:desc" json:"timestamp"`
}

// PageSpeedMetric is a page-performance snapshot, at most one per site and strategy per day
type PageSpeedMetric struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SiteID           string    `gorm:"not null;index:idx_pagespeed_site_strategy_ts,priority:1" json:"siteId"`
	URL              string    `json:"url"`
	Strategy         string    `gorm:"not null;index:idx_pagespeed_site_strategy_ts,priority:2" json:"strategy"`
	PerformanceScore float64   `json:"performanceScore"`
	LCP              float64   `json:"lcp"`
	FID              float64   `json:"fid"`
	CLS              float64   `json:"cls"`
	FCP              float64   `json:"fcp"`
	TTFB             float64   `json:"ttfb"`
	SpeedIndex       float64   `json:"speedIndex"`
	TTI              float64   `json:"tti"`
	TBT              float64   `json:"tbt"`
	LoadTime         float64   `json:"loadTime"`
	Timestamp        time.Time `gorm:"not null;index:idx_pagespeed_site_strategy_ts,priority:3,sort:desc" json:"timestamp"`
}

// CostComponents are the operator-entered monthly cost parts of a server
type CostComponents struct {
	BaseCost        float64 `json:"baseCost" yaml:"baseCost" validate:"gte=0"`
	ElectricityCost float64 `json:"electricityCost" yaml:"electricityCost" validate:"gte=0"`
	NetworkCost     float64 `json:"networkCost" yaml:"networkCost" validate:"gte=0"`
	Amortization    float64 `json:"amortization" yaml:"amortization" validate:"gte=0"`
	OtherCharges    float64 `json:"otherCharges" yaml:"otherCharges" validate:"gte=0"`
}

// Sum returns the monthly total of all components
func (c CostComponents) Sum() float64 {
	return c.BaseCost + c.ElectricityCost + c.NetworkCost + c.Amortization + c.OtherCharges
}

// ServerCost is the static monthly cost composition of one server
type ServerCost struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	ServerID string `gorm:"not null;uniqueIndex" json:"serverId"`
	CostComponents
	TotalMonthly float64   `json:"totalMonthly"`
	TotalYearly  float64   `json:"totalYearly"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PriceBreakdown itemises a suggested price
type PriceBreakdown struct {
	ServerShare float64 `json:"serverShare"`
	Bandwidth   float64 `json:"bandwidth"`
	Storage     float64 `json:"storage"`
	Requests    float64 `json:"requests"`
	Margin      float64 `json:"margin"`
}

// SitePricing holds the suggested and actual price of a site
type SitePricing struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	SiteID             string         `gorm:"not null;uniqueIndex" json:"siteId"`
	SuggestedPrice     float64        `json:"suggestedPrice"`
	SuggestedBreakdown PriceBreakdown `gorm:"embedded;embeddedPrefix:suggested_" json:"suggestedBreakdown"`
	ActualPrice        float64        `json:"actualPrice"`
	MonthlyCost        float64        `json:"monthlyCost"`
	MonthlyProfit      float64        `json:"monthlyProfit"`
	ProfitMargin       float64        `json:"profitMargin"`
	ServerID           string         `gorm:"index" json:"serverId,omitempty"`
	LastCalculated     *time.Time     `json:"lastCalculated,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// ServerBreakdown is the per-server slice of a monthly snapshot
type ServerBreakdown struct {
	ServerID  string  `json:"serverId"`
	Cost      float64 `json:"cost"`
	Revenue   float64 `json:"revenue"`
	Profit    float64 `json:"profit"`
	SiteCount int     `json:"siteCount"`
}

// MonthlyFinancial is the financial snapshot of one calendar month
type MonthlyFinancial struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	Year            int               `gorm:"not null;uniqueIndex:idx_financial_period,priority:1" json:"year"`
	Month           int               `gorm:"not null;uniqueIndex:idx_financial_period,priority:2" json:"month"`
	TotalRevenue    float64           `json:"totalRevenue"`
	TotalCosts      float64           `json:"totalCosts"`
	TotalProfit     float64           `json:"totalProfit"`
	ProfitMargin    float64           `json:"profitMargin"`
	ServerCount     int               `json:"serverCount"`
	SiteCount       int               `json:"siteCount"`
	ServerBreakdown []ServerBreakdown `gorm:"serializer:json" json:"serverBreakdown"`
	CalculatedAt    time.Time         `json:"calculatedAt"`
}

// Invoice status values
const (
	InvoiceDraft     = "draft"
	InvoiceSent      = "sent"
	InvoicePaid      = "paid"
	InvoiceOverdue   = "overdue"
	InvoiceCancelled = "cancelled"
)

// BillingPeriod identifies the month an invoice bills
type BillingPeriod struct {
	Year  int `gorm:"not null;uniqueIndex:idx_invoice_site_period,priority:2" json:"year"`
	Month int `gorm:"not null;uniqueIndex:idx_invoice_site_period,priority:3" json:"month"`
}

// InvoiceItem is one invoice line
type InvoiceItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Total       float64 `json:"total"`
}

// Invoice bills one site for one period
type Invoice struct {
	ID               uint          `gorm:"primaryKey" json:"id"`
	InvoiceNumber    string        `gorm:"not null;uniqueIndex" json:"invoiceNumber"`
	SiteID           string        `gorm:"not null;uniqueIndex:idx_invoice_site_period,priority:1" json:"siteId"`
	SiteName         string        `json:"siteName"`
	Period           BillingPeriod `gorm:"embedded;embeddedPrefix:period_" json:"period"`
	Amount           float64       `json:"amount"`
	TaxRate          float64       `gorm:"default:7.7" json:"taxRate"`
	TaxAmount        float64       `json:"taxAmount"`
	TotalAmount      float64       `json:"totalAmount"`
	Items            []InvoiceItem `gorm:"serializer:json" json:"items"`
	Status           string        `gorm:"not null;default:draft;index" json:"status"`
	IssueDate        time.Time     `json:"issueDate"`
	DueDate          time.Time     `gorm:"index" json:"dueDate"`
	PaidDate         *time.Time    `json:"paidDate,omitempty"`
	PaymentMethod    string        `json:"paymentMethod,omitempty"`
	PaymentReference string        `json:"paymentReference,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// StatsResponse represents overall fleet statistics
type StatsResponse struct {
	ServersOnline   int `json:"serversOnline"`
	ServersOffline  int `json:"serversOffline"`
	SitesOnline     int `json:"sitesOnline"`
	SitesDegraded   int `json:"sitesDegraded"`
	SitesDown       int `json:"sitesDown"`
	AvgResponseTime int `json:"avgResponseTime"`
}
