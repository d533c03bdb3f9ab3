package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	probeTimeout       = 10 * time.Second
	certWarningDays    = 14
	probeUserAgent     = "SiteFleet/1.0"
	maxProbeBodyToRead = 64 << 10
)

// UptimeResult is the outcome of an HTTP reachability probe
type UptimeResult struct {
	Status         string `json:"status"`
	LatencyMs      int    `json:"latencyMs"`
	HTTPStatusCode int    `json:"httpStatusCode"`
	Error          string `json:"error,omitempty"`
}

// CertificateResult describes the peer certificate of a site. Valid means a
// certificate was presented and parsed; the chain is not verified.
type CertificateResult struct {
	Valid         bool       `json:"valid"`
	ExpiresInDays int        `json:"expiresInDays"`
	Issuer        string     `json:"issuer,omitempty"`
	ExpiryDate    *time.Time `json:"expiryDate,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// ProbeResult folds both probes into the shape stored as a SiteMetric
type ProbeResult struct {
	UptimeResult
	Certificate CertificateResult `json:"ssl"`
}

// Prober performs uptime and certificate checks with a fixed time budget
type Prober struct {
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
}

// NewProber returns a prober with the standard 10 second budget
func NewProber() *Prober {
	return &Prober{
		client:  &http.Client{Timeout: probeTimeout},
		timeout: probeTimeout,
		now:     time.Now,
	}
}

// normalizeURL defaults bare hosts to https
func normalizeURL(raw string) (*url.URL, error) {
	serviceURL := strings.TrimSpace(raw)
	if !strings.HasPrefix(serviceURL, "http://") && !strings.HasPrefix(serviceURL, "https://") {
		serviceURL = "https://" + serviceURL
	}
	parsed, err := url.Parse(serviceURL)
	if err != nil {
		return nil, err
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return parsed, nil
}

// ProbeUptime requests the URL and classifies the response: online below 400,
// warning for 4xx, offline for 5xx, timeouts and connection errors.
func (p *Prober) ProbeUptime(ctx context.Context, rawURL string) UptimeResult {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return UptimeResult{Status: SiteStatusError, Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return UptimeResult{Status: SiteStatusError, Error: err.Error()}
	}
	req.Header.Set("User-Agent", probeUserAgent)
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return UptimeResult{Status: SiteStatusOffline, LatencyMs: latency, Error: err.Error()}
	}
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBodyToRead)); err != nil {
		log.Debug().Err(err).Str("url", rawURL).Msg("[Checker] Failed to drain response body")
	}
	resp.Body.Close()

	result := UptimeResult{LatencyMs: latency, HTTPStatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode < 400:
		result.Status = SiteStatusOnline
	case resp.StatusCode < 500:
		result.Status = SiteStatusWarning
	default:
		result.Status = SiteStatusOffline
	}
	return result
}

// ProbeCertificate opens a TLS connection only to read the leaf certificate's
// expiry. Trust errors are ignored.
func (p *Prober) ProbeCertificate(ctx context.Context, rawURL string) CertificateResult {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return CertificateResult{Error: err.Error()}
	}
	if target.Scheme != "https" {
		return CertificateResult{Error: "not an https url"}
	}

	host := target.Hostname()
	port := target.Port()
	if port == "" {
		port = "443"
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: p.timeout},
		Config:    &tls.Config{InsecureSkipVerify: true, ServerName: host},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return CertificateResult{Error: err.Error()}
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return CertificateResult{Error: "no peer certificate"}
	}
	leaf := certs[0]

	issuer := leaf.Issuer.CommonName
	if issuer == "" && len(leaf.Issuer.Organization) > 0 {
		issuer = leaf.Issuer.Organization[0]
	}
	expiry := leaf.NotAfter.UTC()
	return CertificateResult{
		Valid:         true,
		ExpiresInDays: int(math.Floor(expiry.Sub(p.now()).Hours() / 24)),
		Issuer:        issuer,
		ExpiryDate:    &expiry,
	}
}

// ProbeSite runs both probes and folds them into one result. An online https
// site with a missing or soon-expiring certificate is downgraded to warning.
func (p *Prober) ProbeSite(ctx context.Context, rawURL string) ProbeResult {
	result := ProbeResult{UptimeResult: p.ProbeUptime(ctx, rawURL)}
	if result.Status == SiteStatusError {
		return result
	}

	result.Certificate = p.ProbeCertificate(ctx, rawURL)
	target, _ := normalizeURL(rawURL)
	if result.Status == SiteStatusOnline && target != nil && target.Scheme == "https" {
		if !result.Certificate.Valid || result.Certificate.ExpiresInDays < certWarningDays {
			result.Status = SiteStatusWarning
		}
	}
	return result
}
