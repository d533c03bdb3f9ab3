package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SiteStatus is one row of a site listing
type SiteStatus struct {
	SiteID         string            `json:"siteId"`
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	External       bool              `json:"external"`
	Status         string            `json:"status"`
	LatencyMs      int               `json:"latencyMs"`
	HTTPStatusCode int               `json:"httpStatusCode"`
	SSL            CertificateResult `json:"ssl"`
	CheckedAt      time.Time         `json:"checkedAt"`
	Error          string            `json:"error,omitempty"`
}

// SiteListing is the result of one probe cycle
type SiteListing struct {
	Sites    []SiteStatus `json:"sites"`
	Degraded bool         `json:"degraded"`
}

// SiteMonitor resolves the fleet's sites, probes them and stores the results
type SiteMonitor struct {
	db          *gorm.DB
	lister      *SiteLister
	prober      *Prober
	store       *MetricStore
	concurrency int
}

// NewSiteMonitor wires the probe cycle
func NewSiteMonitor(db *gorm.DB, lister *SiteLister, prober *Prober, store *MetricStore, concurrency int) *SiteMonitor {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &SiteMonitor{db: db, lister: lister, prober: prober, store: store, concurrency: concurrency}
}

// CheckAllSites probes every site concurrently. Each site's failure stays in
// its own row; the listing as a whole always returns.
func (m *SiteMonitor) CheckAllSites(ctx context.Context) SiteListing {
	sites, degraded := m.lister.Resolve(ctx)
	results := make([]SiteStatus, len(sites))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, site := range sites {
		g.Go(func() error {
			results[i] = m.checkSite(gctx, site)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, r := range results {
		if r.Status != SiteStatusOnline {
			failed++
		}
	}
	log.Info().Int("sites", len(results)).Int("not_online", failed).Bool("degraded", degraded).
		Msg("[Monitor] Probe cycle completed")

	return SiteListing{Sites: results, Degraded: degraded}
}

func (m *SiteMonitor) checkSite(ctx context.Context, site DirectorySite) SiteStatus {
	siteURL := m.lister.SiteURL(site)
	status := SiteStatus{SiteID: site.ID, Name: site.Name, URL: siteURL, External: site.External}

	if err := m.upsertSite(ctx, site); err != nil {
		log.Warn().Err(err).Str("site", site.ID).Msg("[Monitor] Failed to record site metadata")
	}

	result := m.prober.ProbeSite(ctx, siteURL)
	status.Status = result.Status
	status.LatencyMs = result.LatencyMs
	status.HTTPStatusCode = result.HTTPStatusCode
	status.SSL = result.Certificate
	status.Error = result.Error
	status.CheckedAt = m.store.now()

	metric, err := m.store.IngestSiteProbeResult(ctx, site.ID, result)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.CheckedAt = metric.Timestamp
	return status
}

// upsertSite records directory metadata without touching the hosting
// assignment unless the directory supplies one.
func (m *SiteMonitor) upsertSite(ctx context.Context, site DirectorySite) error {
	columns := []string{"slug", "name", "domain", "external", "updated_at"}
	if site.ServerID != "" {
		columns = append(columns, "server_id")
	}
	row := Site{
		SiteID:   site.ID,
		Slug:     site.Slug,
		Name:     site.Name,
		Domain:   site.Domain,
		External: site.External,
		ServerID: site.ServerID,
	}
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "site_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&row).Error
}
