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

const (
	metricRetention    = 90 * 24 * time.Hour
	serverStaleAfter   = 5 * time.Minute
	pageSpeedInterval  = 24 * time.Hour
	maxHistoryPoints   = 200
	maxPageSpeedPoints = 50
)

// historyPeriods maps the accepted lookback windows to durations
var historyPeriods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// normalizePeriod returns a known period, defaulting to 24h
func normalizePeriod(period string) string {
	if _, ok := historyPeriods[period]; ok {
		return period
	}
	return "24h"
}

// ServerMetricPayload is the inbound push from a server agent. Every section
// is optional.
type ServerMetricPayload struct {
	ServerID  string        `json:"serverId" validate:"required,max=128"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
	CPU       *CPUStats     `json:"cpu,omitempty"`
	RAM       *RAMStats     `json:"ram,omitempty"`
	Disk      []DiskUsage   `json:"disk,omitempty" validate:"omitempty,dive"`
	Network   *NetworkStats `json:"network,omitempty"`
}

// IngestFailure describes one entity of a batch that could not be stored
type IngestFailure struct {
	ServerID string `json:"serverId"`
	Error    string `json:"error"`
}

// IngestReport summarises a batch ingestion
type IngestReport struct {
	Accepted int             `json:"accepted"`
	Failed   []IngestFailure `json:"failed"`
}

// MetricStore persists and queries the three metric classes
type MetricStore struct {
	db    *gorm.DB
	hub   *Broadcaster
	stats *statsNotifier
	now   func() time.Time
}

// NewMetricStore creates a metric store publishing to hub
func NewMetricStore(db *gorm.DB, hub *Broadcaster) *MetricStore {
	return &MetricStore{db: db, hub: hub, now: func() time.Time { return time.Now().UTC() }}
}

// IngestServerMetric stores one telemetry sample, marks the server online and
// broadcasts the sample.
func (s *MetricStore) IngestServerMetric(ctx context.Context, serverID string, payload ServerMetricPayload) (*ServerMetric, error) {
	if serverID == "" {
		return nil, errors.New("server id is required")
	}
	now := s.now()
	metric := buildServerMetric(serverID, payload, now)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&metric).Error; err != nil {
			return fmt.Errorf("insert server metric: %w", err)
		}
		server := Server{ServerID: serverID, Name: serverID, Status: ServerStatusOnline, LastSeen: &now}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "server_id"}},
			DoUpdates: clause.Assignments(map[string]any{"status": ServerStatusOnline, "last_seen": now, "updated_at": now}),
		}).Create(&server).Error
	})
	if err != nil {
		log.Error().Err(err).Str("server", serverID).Msg("[Metrics] Failed to store server metric")
		return nil, err
	}

	log.Debug().Str("server", serverID).Float64("cpu", metric.CPU.Usage).Float64("ram", metric.RAM.Percent).
		Msg("[Metrics] Stored server metric")
	s.hub.Publish(EventServerMetric, metric)
	s.stats.Trigger()
	return &metric, nil
}

// IngestServerMetrics stores a batch. A failure for one server never blocks
// the others; it is reported instead.
func (s *MetricStore) IngestServerMetrics(ctx context.Context, payloads []ServerMetricPayload) IngestReport {
	report := IngestReport{Failed: []IngestFailure{}}
	for _, p := range payloads {
		if _, err := s.IngestServerMetric(ctx, p.ServerID, p); err != nil {
			report.Failed = append(report.Failed, IngestFailure{ServerID: p.ServerID, Error: err.Error()})
			continue
		}
		report.Accepted++
	}
	return report
}

func buildServerMetric(serverID string, p ServerMetricPayload, now time.Time) ServerMetric {
	metric := ServerMetric{ServerID: serverID, Timestamp: now, Disk: []DiskUsage{}}
	if p.Timestamp != nil && !p.Timestamp.IsZero() && !p.Timestamp.After(now) {
		metric.Timestamp = p.Timestamp.UTC()
	}
	if p.CPU != nil {
		metric.CPU = *p.CPU
	}
	if p.RAM != nil {
		metric.RAM = *p.RAM
		if metric.RAM.Free == 0 && metric.RAM.Total >= metric.RAM.Used {
			metric.RAM.Free = metric.RAM.Total - metric.RAM.Used
		}
		if metric.RAM.Percent == 0 && metric.RAM.Total > 0 {
			metric.RAM.Percent = float64(metric.RAM.Used) / float64(metric.RAM.Total) * 100
		}
	}
	var diskTotal, diskUsed uint64
	for _, d := range p.Disk {
		if d.Percent == 0 && d.Total > 0 {
			d.Percent = float64(d.Used) / float64(d.Total) * 100
		}
		diskTotal += d.Total
		diskUsed += d.Used
		metric.Disk = append(metric.Disk, d)
	}
	metric.DiskUsed = diskUsed
	if diskTotal > 0 {
		metric.DiskPercent = float64(diskUsed) / float64(diskTotal) * 100
	}
	if p.Network != nil {
		metric.Network = *p.Network
	}
	return metric
}

// IngestSiteProbeResult stores one probe result for a site
func (s *MetricStore) IngestSiteProbeResult(ctx context.Context, siteID string, result ProbeResult) (*SiteMetric, error) {
	metric := SiteMetric{
		SiteID:           siteID,
		Status:           result.Status,
		Latency:          result.LatencyMs,
		StatusCode:       result.HTTPStatusCode,
		SSLValid:         result.Certificate.Valid,
		SSLExpiresInDays: result.Certificate.ExpiresInDays,
		Error:            result.Error,
		Timestamp:        s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&metric).Error; err != nil {
		log.Error().Err(err).Str("site", siteID).Msg("[Metrics] Failed to store site metric")
		return nil, fmt.Errorf("insert site metric: %w", err)
	}
	s.hub.Publish(EventSiteMetric, metric)
	s.stats.Trigger()
	return &metric, nil
}

// IngestPageSpeed stores a page-performance snapshot unless one already exists
// for the same site and strategy in the last 24 hours. The stored (or
// existing) snapshot is returned with created reporting which.
func (s *MetricStore) IngestPageSpeed(ctx context.Context, m PageSpeedMetric) (PageSpeedMetric, bool, error) {
	if m.Strategy != StrategyMobile && m.Strategy != StrategyDesktop {
		return PageSpeedMetric{}, false, fmt.Errorf("invalid strategy %q", m.Strategy)
	}
	now := s.now()
	m.ID = 0
	m.Timestamp = now

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PageSpeedMetric
		err := tx.Where("site_id = ? AND strategy = ? AND timestamp > ?", m.SiteID, m.Strategy, now.Add(-pageSpeedInterval)).
			Order("timestamp desc").First(&existing).Error
		if err == nil {
			m = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		created = true
		return tx.Create(&m).Error
	})
	if err != nil {
		return PageSpeedMetric{}, false, fmt.Errorf("store pagespeed metric: %w", err)
	}
	if created {
		log.Info().Str("site", m.SiteID).Str("strategy", m.Strategy).Float64("score", m.PerformanceScore).
			Msg("[Metrics] Stored PageSpeed snapshot")
	}
	return m, created, nil
}

// ServerHistory returns up to 200 of the most recent samples in the window, oldest first
func (s *MetricStore) ServerHistory(ctx context.Context, serverID, period string) ([]ServerMetric, error) {
	var rows []ServerMetric
	cutoff := s.now().Add(-historyPeriods[normalizePeriod(period)])
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND timestamp >= ?", serverID, cutoff).
		Order("timestamp desc").Limit(maxHistoryPoints).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query server history: %w", err)
	}
	slices.Reverse(rows)
	return rows, nil
}

// SiteHistory returns up to 200 of the most recent probe results in the window, oldest first
func (s *MetricStore) SiteHistory(ctx context.Context, siteID, period string) ([]SiteMetric, error) {
	var rows []SiteMetric
	cutoff := s.now().Add(-historyPeriods[normalizePeriod(period)])
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND timestamp >= ?", siteID, cutoff).
		Order("timestamp desc").Limit(maxHistoryPoints).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query site history: %w", err)
	}
	slices.Reverse(rows)
	return rows, nil
}

// PageSpeedHistory returns up to 50 snapshots in the window, oldest first.
// An empty strategy matches both.
func (s *MetricStore) PageSpeedHistory(ctx context.Context, siteID, strategy, period string) ([]PageSpeedMetric, error) {
	var rows []PageSpeedMetric
	cutoff := s.now().Add(-historyPeriods[normalizePeriod(period)])
	query := s.db.WithContext(ctx).Where("site_id = ? AND timestamp >= ?", siteID, cutoff)
	if strategy != "" {
		query = query.Where("strategy = ?", strategy)
	}
	if err := query.Order("timestamp desc").Limit(maxPageSpeedPoints).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query pagespeed history: %w", err)
	}
	slices.Reverse(rows)
	return rows, nil
}

// ListServers returns all known servers
func (s *MetricStore) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	if err := s.db.WithContext(ctx).Order("server_id").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}

// MarkStaleServers flips online servers that have not reported for five
// minutes to offline and returns the ones it changed.
func (s *MetricStore) MarkStaleServers(ctx context.Context) ([]Server, error) {
	cutoff := s.now().Add(-serverStaleAfter)

	var stale []Server
	err := s.db.WithContext(ctx).
		Where("status <> ? AND (last_seen IS NULL OR last_seen < ?)", ServerStatusOffline, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("find stale servers: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(stale))
	for i := range stale {
		ids[i] = stale[i].ID
	}
	// Re-check the cutoff so a sample that arrived meanwhile wins
	err = s.db.WithContext(ctx).Model(&Server{}).
		Where("id IN ? AND (last_seen IS NULL OR last_seen < ?)", ids, cutoff).
		Update("status", ServerStatusOffline).Error
	if err != nil {
		return nil, fmt.Errorf("mark servers offline: %w", err)
	}

	for i := range stale {
		stale[i].Status = ServerStatusOffline
		log.Warn().Str("server", stale[i].ServerID).Msg("[Watchdog] Server stopped reporting, marked offline")
		s.hub.Publish(EventServerStatus, stale[i])
	}
	s.stats.Trigger()
	return stale, nil
}
