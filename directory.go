package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DirectorySite is site metadata as supplied by the site directory
type DirectorySite struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Domain   string `json:"domain,omitempty"`
	External bool   `json:"external"`
	ServerID string `json:"serverId,omitempty"`
}

// SiteDirectory lists the sites of the fleet
type SiteDirectory interface {
	ListSites(ctx context.Context) ([]DirectorySite, error)
}

// HTTPDirectory reads sites from the directory service's JSON endpoint
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory returns a directory client for baseURL
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// ListSites fetches GET {baseURL}/sites
func (d *HTTPDirectory) ListSites(ctx context.Context) ([]DirectorySite, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/sites", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("site directory unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("site directory returned %d", resp.StatusCode)
	}

	var sites []DirectorySite
	if err := json.NewDecoder(resp.Body).Decode(&sites); err != nil {
		return nil, fmt.Errorf("decode site directory response: %w", err)
	}
	return sites, nil
}

// SiteLister resolves the fleet's sites, falling back to the static list when
// the directory cannot be reached.
type SiteLister struct {
	directory  SiteDirectory
	fallback   []DirectorySite
	baseDomain string
}

// NewSiteLister builds a lister. directory may be nil, in which case only the
// static list is used.
func NewSiteLister(directory SiteDirectory, fallback []SiteConfig, baseDomain string) *SiteLister {
	sites := make([]DirectorySite, 0, len(fallback))
	for _, sc := range fallback {
		sites = append(sites, DirectorySite{
			ID:       sc.ID,
			Slug:     sc.Slug,
			Name:     sc.Name,
			Domain:   sc.Domain,
			External: sc.External,
			ServerID: sc.ServerID,
		})
	}
	return &SiteLister{directory: directory, fallback: sites, baseDomain: baseDomain}
}

// Resolve returns the current site list. degraded is true when the directory
// failed and the static list was used instead. Entries without an id, or
// without both slug and domain, have no URL to probe and are left out.
func (l *SiteLister) Resolve(ctx context.Context) (sites []DirectorySite, degraded bool) {
	if l.directory == nil {
		return usableSites(l.fallback), false
	}
	sites, err := l.directory.ListSites(ctx)
	if err != nil {
		log.Warn().Err(err).Int("fallback_sites", len(l.fallback)).Msg("[Directory] Using static site list")
		return usableSites(l.fallback), true
	}
	return usableSites(sites), false
}

func usableSites(sites []DirectorySite) []DirectorySite {
	out := make([]DirectorySite, 0, len(sites))
	for _, s := range sites {
		if s.ID == "" || (s.Slug == "" && s.Domain == "") {
			log.Warn().Str("site", s.ID).Str("name", s.Name).Msg("[Directory] Skipping site without id or address")
			continue
		}
		out = append(out, s)
	}
	return out
}

// SiteURL returns the public URL of a site: its own domain when known,
// otherwise {slug}.{baseDomain}.
func (l *SiteLister) SiteURL(site DirectorySite) string {
	if site.Domain != "" {
		return "https://" + strings.TrimPrefix(strings.TrimPrefix(site.Domain, "https://"), "http://")
	}
	return fmt.Sprintf("https://%s.%s", site.Slug, l.baseDomain)
}
