package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBuildServerMetricDerivesAggregates(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	got := buildServerMetric("srv-1", ServerMetricPayload{
		Timestamp: &future,
		RAM:       &RAMStats{Total: 1000, Used: 250},
		Disk: []DiskUsage{
			{Mount: "/", Total: 300, Used: 150},
			{Mount: "/data", Total: 100, Used: 50, Percent: 50},
		},
	}, now)

	if !got.Timestamp.Equal(now) {
		t.Fatalf("Timestamp = %v, want server clock for future sample", got.Timestamp)
	}
	if got.RAM.Free != 750 || got.RAM.Percent != 25 {
		t.Fatalf("RAM = %+v", got.RAM)
	}
	if got.DiskUsed != 200 || got.DiskPercent != 50 || got.Disk[0].Percent != 50 {
		t.Fatalf("disk = %v/%v %+v", got.DiskUsed, got.DiskPercent, got.Disk)
	}
	if got.CPU != (CPUStats{}) || got.Network != (NetworkStats{}) {
		t.Fatalf("missing sections should stay zero: %+v %+v", got.CPU, got.Network)
	}
}

func TestIngestServerMetricMarksServerOnline(t *testing.T) {
	db := newTestDB(t)
	store := NewMetricStore(db, nil)
	ctx := t.Context()

	if _, err := store.IngestServerMetric(ctx, "srv-1", ServerMetricPayload{ServerID: "srv-1", CPU: &CPUStats{Usage: 12}}); err != nil {
		t.Fatalf("IngestServerMetric: %v", err)
	}
	if _, err := store.IngestServerMetric(ctx, "srv-1", ServerMetricPayload{ServerID: "srv-1"}); err != nil {
		t.Fatalf("IngestServerMetric: %v", err)
	}

	servers, err := store.ListServers(ctx)
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 1 || servers[0].Status != ServerStatusOnline || servers[0].LastSeen == nil {
		t.Fatalf("servers = %+v", servers)
	}
}

func TestIngestServerMetricsReportsFailures(t *testing.T) {
	store := NewMetricStore(newTestDB(t), nil)

	report := store.IngestServerMetrics(t.Context(), []ServerMetricPayload{
		{ServerID: "srv-1"},
		{ServerID: ""},
		{ServerID: "srv-2"},
	})
	if report.Accepted != 2 || len(report.Failed) != 1 {
		t.Fatalf("report = %+v, want 2 accepted and 1 failed", report)
	}
}

func TestServerHistoryCapsAndOrders(t *testing.T) {
	db := newTestDB(t)
	store := NewMetricStore(db, nil)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = fixedClock(now)

	rows := make([]ServerMetric, 0, 260)
	for i := 0; i < 250; i++ {
		rows = append(rows, ServerMetric{
			ServerID:  "srv-1",
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
			CPU:       CPUStats{Usage: float64(i)},
		})
	}
	// outside the window, and another server
	rows = append(rows,
		ServerMetric{ServerID: "srv-1", Timestamp: now.Add(-48 * time.Hour)},
		ServerMetric{ServerID: "srv-2", Timestamp: now},
	)
	if err := db.CreateInBatches(rows, 100).Error; err != nil {
		t.Fatalf("seed metrics: %v", err)
	}

	history, err := store.ServerHistory(t.Context(), "srv-1", "24h")
	if err != nil {
		t.Fatalf("ServerHistory: %v", err)
	}
	if len(history) != maxHistoryPoints {
		t.Fatalf("len(history) = %d, want %d", len(history), maxHistoryPoints)
	}
	if !history[len(history)-1].Timestamp.Equal(now) {
		t.Fatalf("last point = %v, want newest sample", history[len(history)-1].Timestamp)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Fatalf("history not ascending at %d", i)
		}
	}

	hour, err := store.ServerHistory(t.Context(), "srv-1", "1h")
	if err != nil {
		t.Fatalf("ServerHistory: %v", err)
	}
	if len(hour) != 61 {
		t.Fatalf("1h points = %d, want 61", len(hour))
	}
}

func TestNormalizePeriod(t *testing.T) {
	for in, want := range map[string]string{"1h": "1h", "7d": "7d", "30d": "30d", "": "24h", "1y": "24h"} {
		if got := normalizePeriod(in); got != want {
			t.Errorf("normalizePeriod(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMarkStaleServers(t *testing.T) {
	db := newTestDB(t)
	store := NewMetricStore(db, nil)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = fixedClock(now)

	recent, old := now.Add(-time.Minute), now.Add(-10*time.Minute)
	mustCreate(t, db, &Server{ServerID: "fresh", Status: ServerStatusOnline, LastSeen: &recent})
	mustCreate(t, db, &Server{ServerID: "stale", Status: ServerStatusOnline, LastSeen: &old})
	mustCreate(t, db, &Server{ServerID: "gone", Status: ServerStatusOffline, LastSeen: &old})

	changed, err := store.MarkStaleServers(t.Context())
	if err != nil {
		t.Fatalf("MarkStaleServers: %v", err)
	}
	if len(changed) != 1 || changed[0].ServerID != "stale" {
		t.Fatalf("changed = %+v, want only stale", changed)
	}

	servers, _ := store.ListServers(t.Context())
	got := map[string]string{}
	for _, s := range servers {
		got[s.ServerID] = s.Status
	}
	want := map[string]string{"fresh": ServerStatusOnline, "gone": ServerStatusOffline, "stale": ServerStatusOffline}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}

	changed, err = store.MarkStaleServers(t.Context())
	if err != nil || len(changed) != 0 {
		t.Fatalf("second pass changed = %+v, err = %v", changed, err)
	}
}

func TestIngestPageSpeedOncePerDay(t *testing.T) {
	db := newTestDB(t)
	store := NewMetricStore(db, nil)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = fixedClock(now)
	ctx := t.Context()

	first, created, err := store.IngestPageSpeed(ctx, PageSpeedMetric{SiteID: "site-a", Strategy: StrategyMobile, PerformanceScore: 91})
	if err != nil || !created {
		t.Fatalf("first ingest: created=%v err=%v", created, err)
	}

	store.now = fixedClock(now.Add(6 * time.Hour))
	again, created, err := store.IngestPageSpeed(ctx, PageSpeedMetric{SiteID: "site-a", Strategy: StrategyMobile, PerformanceScore: 40})
	if err != nil || created {
		t.Fatalf("second ingest: created=%v err=%v", created, err)
	}
	if again.ID != first.ID || again.PerformanceScore != 91 {
		t.Fatalf("second ingest returned %+v, want the existing snapshot", again)
	}

	if _, created, _ := store.IngestPageSpeed(ctx, PageSpeedMetric{SiteID: "site-a", Strategy: StrategyDesktop}); !created {
		t.Fatal("desktop snapshot should be stored separately")
	}

	store.now = fixedClock(now.Add(25 * time.Hour))
	if _, created, _ := store.IngestPageSpeed(ctx, PageSpeedMetric{SiteID: "site-a", Strategy: StrategyMobile}); !created {
		t.Fatal("snapshot after 24h should be stored")
	}

	if _, _, err := store.IngestPageSpeed(ctx, PageSpeedMetric{SiteID: "site-a", Strategy: "tablet"}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}

	history, err := store.PageSpeedHistory(ctx, "site-a", StrategyMobile, "7d")
	if err != nil {
		t.Fatalf("PageSpeedHistory: %v", err)
	}
	if len(history) != 2 || history[0].ID != first.ID {
		t.Fatalf("mobile history = %+v", history)
	}
}

func TestPurgeExpiredMetrics(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-metricRetention - time.Hour)

	mustCreate(t, db, &ServerMetric{ServerID: "srv-1", Timestamp: old})
	mustCreate(t, db, &ServerMetric{ServerID: "srv-1", Timestamp: now})
	mustCreate(t, db, &SiteMetric{SiteID: "site-a", Status: SiteStatusOnline, Timestamp: old})
	mustCreate(t, db, &PageSpeedMetric{SiteID: "site-a", Strategy: StrategyMobile, Timestamp: old})

	if deleted := purgeExpiredMetrics(t.Context(), db, now); deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}
	var remaining int64
	db.Model(&ServerMetric{}).Count(&remaining)
	if remaining != 1 {
		t.Fatalf("remaining server metrics = %d, want 1", remaining)
	}
}

func TestGetStatsUsesLatestProbe(t *testing.T) {
	db := newTestDB(t)
	store := NewMetricStore(db, nil)
	ctx := t.Context()

	now := time.Now().UTC()
	mustCreate(t, db, &Server{ServerID: "srv-1", Status: ServerStatusOnline, LastSeen: &now})
	mustCreate(t, db, &Server{ServerID: "srv-2", Status: ServerStatusOffline})

	probe := func(siteID, status string, latency int) {
		t.Helper()
		result := ProbeResult{UptimeResult: UptimeResult{Status: status, LatencyMs: latency}}
		if _, err := store.IngestSiteProbeResult(ctx, siteID, result); err != nil {
			t.Fatalf("IngestSiteProbeResult: %v", err)
		}
	}
	probe("a", SiteStatusOffline, 0)
	probe("a", SiteStatusOnline, 100)
	probe("b", SiteStatusWarning, 300)
	probe("c", SiteStatusOnline, 200)
	probe("d", SiteStatusError, 0)

	got, err := getStats(ctx, db)
	if err != nil {
		t.Fatalf("getStats: %v", err)
	}
	want := StatsResponse{
		ServersOnline:   1,
		ServersOffline:  1,
		SitesOnline:     2,
		SitesDegraded:   1,
		SitesDown:       1,
		AvgResponseTime: 150,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestPageSpeedHistoryCapsPoints(t *testing.T) {
	db := newTestDB(t)
	store := NewMetricStore(db, nil)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = fixedClock(now)

	for i := range 60 {
		mustCreate(t, db, &PageSpeedMetric{SiteID: "site-a", Strategy: StrategyMobile, Timestamp: now.Add(-time.Duration(i) * time.Hour)})
	}

	history, err := store.PageSpeedHistory(t.Context(), "site-a", StrategyMobile, "7d")
	if err != nil {
		t.Fatalf("PageSpeedHistory: %v", err)
	}
	if len(history) != maxPageSpeedPoints {
		t.Fatalf("len(history) = %d, want %d", len(history), maxPageSpeedPoints)
	}
	if !history[len(history)-1].Timestamp.Equal(now) {
		t.Fatalf("last point = %v, want newest snapshot", history[len(history)-1].Timestamp)
	}
	if want := now.Add(-49 * time.Hour); !history[0].Timestamp.Equal(want) {
		t.Fatalf("first point = %v, want %v", history[0].Timestamp, want)
	}
}
