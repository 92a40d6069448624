// Package scanner runs a fixed sequence of unauthenticated HTTP probes
// against one site and turns what they observe into findings.
package scanner

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/wpsentinel-worker/internal/model"
)

const readmeTimeout = 5 * time.Second

type Options struct {
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Logger            logrus.FieldLogger
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

type Scanner struct {
	client    *http.Client
	limiter   *rate.Limiter
	timeout   time.Duration
	userAgent string
	log       logrus.FieldLogger
	now       func() time.Time
}

func New(opts Options) *Scanner {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scanner{
		client:    &http.Client{Transport: opts.Transport},
		limiter:   rate.NewLimiter(limit, 1),
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		log:       log,
		now:       time.Now,
	}
}

// page is the already-fetched homepage shared by the probes.
type page struct {
	target string
	resp   *response
}

// A probe inspects the homepage or issues its own requests. It receives the
// metrics accumulated so far and returns them updated. Probes never fail:
// transport errors on follow-up requests are swallowed.
type probe struct {
	name string
	run  func(ctx context.Context, p *page, m model.ScanMetrics) ([]model.Finding, model.ScanMetrics)
}

func (s *Scanner) probes() []probe {
	return []probe{
		{"wordpress_version", s.probeVersion},
		{"theme", probeTheme},
		{"plugins", probePlugins},
		{"xmlrpc", s.probeXMLRPC},
		{"rest_users", s.probeRESTUsers},
		{"security_headers", probeSecurityHeaders},
	}
}

// Scan probes target and returns findings in probe order plus finalized
// metrics. It always returns a result: an unreachable target yields a single
// high-severity finding and nothing else runs.
func (s *Scanner) Scan(ctx context.Context, target string) ([]model.Finding, model.ScanMetrics) {
	metrics := model.ScanMetrics{StartTime: s.now().UTC()}
	log := s.log.WithField("target", target)

	resp, err := s.fetch(ctx, target, s.timeout)
	if err == nil && !resp.success() {
		err = &statusError{status: resp.Status}
	}
	if err != nil {
		log.WithError(err).Info("target not reachable")
		findings := []model.Finding{unreachableFinding(err)}
		return findings, metrics.Finalize(findings, s.now())
	}

	findings := []model.Finding{reachableFinding(resp)}
	p := &page{target: target, resp: resp}
	for _, pr := range s.probes() {
		var out []model.Finding
		out, metrics = pr.run(ctx, p, metrics)
		if len(out) == 0 {
			metrics.NoNewFindingsCount++
		}
		log.WithFields(logrus.Fields{"probe": pr.name, "findings": len(out)}).Debug("probe finished")
		findings = append(findings, out...)
	}
	return findings, metrics.Finalize(findings, s.now())
}

type statusError struct{ status string }

func (e *statusError) Error() string { return "HTTP " + e.status }
