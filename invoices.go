package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrInvalidTransition is returned when an invoice cannot move to the requested status
var ErrInvalidTransition = errors.New("invalid invoice status transition")

var errAlreadyInvoiced = errors.New("site already invoiced for period")

// invoiceTransitions lists the statuses reachable from each non-terminal status
var invoiceTransitions = map[string][]string{
	InvoiceDraft:   {InvoiceSent, InvoiceOverdue, InvoicePaid, InvoiceCancelled},
	InvoiceSent:    {InvoiceOverdue, InvoicePaid, InvoiceCancelled},
	InvoiceOverdue: {InvoicePaid, InvoiceCancelled},
}

func canTransition(from, to string) bool {
	for _, s := range invoiceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func knownInvoiceStatus(status string) bool {
	switch status {
	case InvoiceDraft, InvoiceSent, InvoicePaid, InvoiceOverdue, InvoiceCancelled:
		return true
	}
	return false
}

// BeforeSave derives tax and total from amount and rate
func (inv *Invoice) BeforeSave(tx *gorm.DB) error {
	inv.Amount = round2(inv.Amount)
	inv.TaxAmount = round2(inv.Amount * inv.TaxRate / 100)
	inv.TotalAmount = round2(inv.Amount + inv.TaxAmount)
	return nil
}

// GenerationReport summarises a monthly invoice run
type GenerationReport struct {
	Year     int       `json:"year"`
	Month    int       `json:"month"`
	Created  int       `json:"created"`
	Skipped  int       `json:"skipped"`
	Invoices []Invoice `json:"invoices"`
}

// PaymentData records how an invoice was paid. PaidDate defaults to now.
type PaymentData struct {
	PaidDate         *time.Time `json:"paidDate"`
	PaymentMethod    string     `json:"paymentMethod" validate:"max=64"`
	PaymentReference string     `json:"paymentReference" validate:"max=128"`
}

// InvoiceFilter narrows ListInvoices. Zero fields match everything.
type InvoiceFilter struct {
	SiteID string
	Status string
	Year   int
	Month  int
}

// StatusTotals is the count and billed total of a group of invoices
type StatusTotals struct {
	Count int     `json:"count"`
	Total float64 `json:"total"`
}

// InvoiceSummary partitions invoices of a year or month by status
type InvoiceSummary struct {
	Year      int          `json:"year"`
	Month     int          `json:"month,omitempty"`
	Draft     StatusTotals `json:"draft"`
	Sent      StatusTotals `json:"sent"`
	Paid      StatusTotals `json:"paid"`
	Overdue   StatusTotals `json:"overdue"`
	Cancelled StatusTotals `json:"cancelled"`
	Overall   StatusTotals `json:"overall"`
}

// InvoiceService generates invoices from site pricing and drives their lifecycle
type InvoiceService struct {
	db      *gorm.DB
	hub     *Broadcaster
	taxRate float64
	dueDays int
	now     func() time.Time
}

// NewInvoiceService creates an invoice service
func NewInvoiceService(db *gorm.DB, hub *Broadcaster, cfg InvoicingConfig) *InvoiceService {
	def := defaultConfig().Invoicing
	if cfg.TaxRate <= 0 {
		cfg.TaxRate = def.TaxRate
	}
	if cfg.DueDays <= 0 {
		cfg.DueDays = def.DueDays
	}
	return &InvoiceService{
		db:      db,
		hub:     hub,
		taxRate: cfg.TaxRate,
		dueDays: cfg.DueDays,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GenerateMonthlyInvoices creates one draft invoice per priced site for the
// period. Sites that already have an invoice for it are skipped, so running
// it again creates nothing new.
func (s *InvoiceService) GenerateMonthlyInvoices(ctx context.Context, year, month int) (GenerationReport, error) {
	report := GenerationReport{Year: year, Month: month, Invoices: []Invoice{}}
	if err := validPeriod(year, month); err != nil {
		return report, err
	}
	db := s.db.WithContext(ctx)

	var pricing []SitePricing
	if err := db.Where("actual_price > 0").Order("site_id").Find(&pricing).Error; err != nil {
		return report, fmt.Errorf("list billable sites: %w", err)
	}
	var sites []Site
	if err := db.Select("site_id", "name").Find(&sites).Error; err != nil {
		return report, fmt.Errorf("list sites: %w", err)
	}
	names := make(map[string]string, len(sites))
	for _, site := range sites {
		names[site.SiteID] = site.Name
	}

	issueDate := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	dueDate := issueDate.AddDate(0, 0, s.dueDays)

	for _, p := range pricing {
		name := names[p.SiteID]
		if name == "" {
			name = p.SiteID
		}
		invoice := Invoice{
			SiteID:   p.SiteID,
			SiteName: name,
			Period:   BillingPeriod{Year: year, Month: month},
			Amount:   p.ActualPrice,
			TaxRate:  s.taxRate,
			Items: []InvoiceItem{{
				Description: fmt.Sprintf("Website hosting %s (%04d-%02d)", name, year, month),
				Quantity:    1,
				UnitPrice:   p.ActualPrice,
				Total:       p.ActualPrice,
			}},
			Status:    InvoiceDraft,
			IssueDate: issueDate,
			DueDate:   dueDate,
		}

		err := s.createInvoice(ctx, &invoice)
		if errors.Is(err, errAlreadyInvoiced) {
			report.Skipped++
			continue
		}
		if err != nil {
			return report, fmt.Errorf("create invoice for %s: %w", p.SiteID, err)
		}
		report.Created++
		report.Invoices = append(report.Invoices, invoice)
		s.hub.Publish(EventInvoiceUpdate, invoice)
	}

	log.Info().Int("year", year).Int("month", month).Int("created", report.Created).Int("skipped", report.Skipped).
		Msg("[Invoices] Monthly invoices generated")
	return report, nil
}

// createInvoice numbers and inserts an invoice. A concurrent writer taking
// the same number is retried; one invoicing the same site and period wins.
func (s *InvoiceService) createInvoice(ctx context.Context, invoice *Invoice) error {
	err := retryOnConflict(ctx, defaultConflictRetry, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			exists, err := invoiceExists(tx, invoice.SiteID, invoice.Period)
			if err != nil {
				return err
			}
			if exists {
				return errAlreadyInvoiced
			}
			number, err := nextInvoiceNumber(tx, invoice.Period.Year, invoice.Period.Month)
			if err != nil {
				return err
			}
			invoice.ID = 0
			invoice.InvoiceNumber = number
			return tx.Create(invoice).Error
		})
	})
	return s.settleConflict(ctx, invoice, err)
}

// settleConflict maps a unique violation that outlived the retries to
// errAlreadyInvoiced when another writer invoiced the same site and period.
func (s *InvoiceService) settleConflict(ctx context.Context, invoice *Invoice, err error) error {
	if err == nil || !isUniqueViolation(err) {
		return err
	}
	exists, checkErr := invoiceExists(s.db.WithContext(ctx), invoice.SiteID, invoice.Period)
	if checkErr == nil && exists {
		return errAlreadyInvoiced
	}
	return err
}

func invoiceExists(tx *gorm.DB, siteID string, period BillingPeriod) (bool, error) {
	var count int64
	err := tx.Model(&Invoice{}).
		Where("site_id = ? AND period_year = ? AND period_month = ?", siteID, period.Year, period.Month).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check existing invoice: %w", err)
	}
	return count > 0, nil
}

// nextInvoiceNumber returns INV-YYYYMM-NNN with NNN one past the highest
// number already issued for the period.
func nextInvoiceNumber(tx *gorm.DB, year, month int) (string, error) {
	prefix := fmt.Sprintf("INV-%04d%02d-", year, month)
	var numbers []string
	err := tx.Model(&Invoice{}).Where("invoice_number LIKE ?", prefix+"%").Pluck("invoice_number", &numbers).Error
	if err != nil {
		return "", fmt.Errorf("scan invoice numbers: %w", err)
	}
	highest := 0
	for _, n := range numbers {
		seq, err := strconv.Atoi(strings.TrimPrefix(n, prefix))
		if err == nil && seq > highest {
			highest = seq
		}
	}
	return fmt.Sprintf("%s%03d", prefix, highest+1), nil
}

// GetInvoice returns an invoice by id or ErrNotFound
func (s *InvoiceService) GetInvoice(ctx context.Context, id uint) (*Invoice, error) {
	var invoice Invoice
	err := s.db.WithContext(ctx).First(&invoice, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return &invoice, nil
}

// ListInvoices returns invoices matching filter, newest period first
func (s *InvoiceService) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	query := s.db.WithContext(ctx).Model(&Invoice{})
	if filter.SiteID != "" {
		query = query.Where("site_id = ?", filter.SiteID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Year != 0 {
		query = query.Where("period_year = ?", filter.Year)
	}
	if filter.Month != 0 {
		query = query.Where("period_month = ?", filter.Month)
	}

	invoices := []Invoice{}
	if err := query.Order("period_year desc, period_month desc, invoice_number").Find(&invoices).Error; err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return invoices, nil
}

// UpdateStatus moves an invoice to status if the lifecycle allows it
func (s *InvoiceService) UpdateStatus(ctx context.Context, id uint, status string) (*Invoice, error) {
	if !knownInvoiceStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	return s.transition(ctx, id, status, func(inv *Invoice) {
		if status == InvoicePaid && inv.PaidDate == nil {
			now := s.now()
			inv.PaidDate = &now
		}
	})
}

// MarkAsPaid settles an invoice from any non-terminal status
func (s *InvoiceService) MarkAsPaid(ctx context.Context, id uint, payment PaymentData) (*Invoice, error) {
	return s.transition(ctx, id, InvoicePaid, func(inv *Invoice) {
		paidDate := s.now()
		if payment.PaidDate != nil && !payment.PaidDate.IsZero() {
			paidDate = payment.PaidDate.UTC()
		}
		inv.PaidDate = &paidDate
		inv.PaymentMethod = payment.PaymentMethod
		inv.PaymentReference = payment.PaymentReference
	})
}

// Cancel voids an invoice from any non-terminal status
func (s *InvoiceService) Cancel(ctx context.Context, id uint) (*Invoice, error) {
	return s.transition(ctx, id, InvoiceCancelled, nil)
}

func (s *InvoiceService) transition(ctx context.Context, id uint, to string, apply func(*Invoice)) (*Invoice, error) {
	var invoice Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&invoice, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !canTransition(invoice.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, invoice.Status, to)
		}
		from := invoice.Status
		invoice.Status = to
		if apply != nil {
			apply(&invoice)
		}
		if err := tx.Save(&invoice).Error; err != nil {
			return err
		}
		log.Info().Str("invoice", invoice.InvoiceNumber).Str("from", from).Str("to", to).
			Msg("[Invoices] Status changed")
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("update invoice %d: %w", id, err)
	}
	s.hub.Publish(EventInvoiceUpdate, invoice)
	return &invoice, nil
}

// CheckOverdueInvoices marks unpaid invoices past their due date as overdue
func (s *InvoiceService) CheckOverdueInvoices(ctx context.Context) ([]Invoice, error) {
	now := s.now()
	db := s.db.WithContext(ctx)

	var due []Invoice
	err := db.Where("status IN ? AND due_date < ?", []string{InvoiceDraft, InvoiceSent}, now).Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("find overdue invoices: %w", err)
	}
	if len(due) == 0 {
		return []Invoice{}, nil
	}

	ids := make([]uint, len(due))
	for i := range due {
		ids[i] = due[i].ID
	}
	err = db.Model(&Invoice{}).
		Where("id IN ? AND status IN ?", ids, []string{InvoiceDraft, InvoiceSent}).
		UpdateColumns(map[string]any{"status": InvoiceOverdue, "updated_at": now}).Error
	if err != nil {
		return nil, fmt.Errorf("mark invoices overdue: %w", err)
	}

	for i := range due {
		due[i].Status = InvoiceOverdue
		s.hub.Publish(EventInvoiceUpdate, due[i])
	}
	log.Warn().Int("count", len(due)).Msg("[Invoices] Invoices marked overdue")
	return due, nil
}

// InvoiceStats totals the invoices of a year, or of one month when month is non-zero
func (s *InvoiceService) InvoiceStats(ctx context.Context, year, month int) (InvoiceSummary, error) {
	summary := InvoiceSummary{Year: year, Month: month}
	if month != 0 {
		if err := validPeriod(year, month); err != nil {
			return summary, err
		}
	} else if err := validPeriod(year, 1); err != nil {
		return summary, err
	}

	var rows []struct {
		Status string
		Count  int
		Total  float64
	}
	query := s.db.WithContext(ctx).Model(&Invoice{}).
		Select("status, COUNT(*) as count, COALESCE(SUM(total_amount), 0) as total").
		Where("period_year = ?", year)
	if month != 0 {
		query = query.Where("period_month = ?", month)
	}
	if err := query.Group("status").Scan(&rows).Error; err != nil {
		return summary, fmt.Errorf("invoice stats: %w", err)
	}

	for _, r := range rows {
		totals := StatusTotals{Count: r.Count, Total: round2(r.Total)}
		switch r.Status {
		case InvoiceDraft:
			summary.Draft = totals
		case InvoiceSent:
			summary.Sent = totals
		case InvoicePaid:
			summary.Paid = totals
		case InvoiceOverdue:
			summary.Overdue = totals
		case InvoiceCancelled:
			summary.Cancelled = totals
		}
		summary.Overall.Count += r.Count
		summary.Overall.Total += r.Total
	}
	summary.Overall.Total = round2(summary.Overall.Total)
	return summary, nil
}
