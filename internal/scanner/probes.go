package scanner

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/yourorg/wpsentinel-worker/internal/model"
)

const maxListedPlugins = 10

var (
	generatorVersionRe = regexp.MustCompile(`(?i)wordpress\s+([0-9]+(?:\.[0-9]+)+)`)
	readmeVersionRe    = regexp.MustCompile(`(?i)version\s+([0-9]+(?:\.[0-9]+)+)`)
	themeRe            = regexp.MustCompile(`wp-content/themes/([A-Za-z0-9_.\-]+)/`)
	pluginRe           = regexp.MustCompile(`wp-content/plugins/([A-Za-z0-9_.\-]+)/`)
)

func unreachableFinding(err error) model.Finding {
	return model.Finding{
		Severity:       model.SeverityHigh,
		Title:          "Target not reachable",
		Description:    "The target URL could not be reached.",
		Evidence:       err.Error(),
		Recommendation: "Verify the domain resolves and the server is reachable from the internet.",
	}
}

func reachableFinding(resp *response) model.Finding {
	return model.Finding{
		Severity:    model.SeverityInfo,
		Title:       "Target reachable",
		Description: fmt.Sprintf("HTTP %d received.", resp.StatusCode),
		Evidence:    "Final URL: " + resp.FinalURL,
	}
}

// generatorVersion returns the WordPress version advertised by a
// <meta name="generator"> tag, if any.
func generatorVersion(body string) (version, content string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", ""
	}
	doc.Find("meta").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		name, _ := sel.Attr("name")
		if !strings.EqualFold(strings.TrimSpace(name), "generator") {
			return true
		}
		c, _ := sel.Attr("content")
		if m := generatorVersionRe.FindStringSubmatch(c); m != nil {
			version, content = m[1], c
			return false
		}
		return true
	})
	return version, content
}

func (s *Scanner) probeVersion(ctx context.Context, p *page, m model.ScanMetrics) ([]model.Finding, model.ScanMetrics) {
	genVersion, genContent := generatorVersion(p.resp.Body)

	var readmeVersion string
	readmeExposed := false
	readme, err := s.fetch(ctx, joinPath(p.target, "/readme.html"), readmeTimeout)
	if err != nil {
		s.log.WithError(err).WithField("target", p.target).Debug("readme.html probe failed")
	} else if readme.success() && strings.Contains(strings.ToLower(readme.Body), "wordpress") {
		readmeExposed = true
		if mm := readmeVersionRe.FindStringSubmatch(readme.Body); mm != nil {
			readmeVersion = mm[1]
		}
	}

	var out []model.Finding
	switch {
	case readmeVersion != "":
		out = append(out, versionFinding(readmeVersion, "readme.html", "readme.html: Version "+readmeVersion))
	case genVersion != "":
		out = append(out, versionFinding(genVersion, "the generator meta tag", genContent))
	}
	if readmeVersion != "" && genVersion != "" && readmeVersion != genVersion {
		out = append(out, model.Finding{
			Severity: model.SeverityInfo,
			Title:    "WordPress version mismatch",
			Description: fmt.Sprintf("The generator meta tag reports %s but readme.html reports %s; the readme value is used.",
				genVersion, readmeVersion),
			Evidence: fmt.Sprintf("generator=%s readme=%s", genVersion, readmeVersion),
		})
	}
	if readmeExposed {
		out = append(out, model.Finding{
			Severity:       model.SeverityLow,
			Title:          "readme.html exposed",
			Description:    "The default WordPress readme.html is publicly accessible and discloses version information.",
			Evidence:       fmt.Sprintf("GET /readme.html -> %d", readme.StatusCode),
			Recommendation: "Delete readme.html or deny access to it at the web server.",
		})
	}
	return out, m
}

func versionFinding(version, source, evidence string) model.Finding {
	return model.Finding{
		Severity:       model.SeverityInfo,
		Title:          "WordPress version detected",
		Description:    fmt.Sprintf("WordPress %s identified from %s.", version, source),
		Evidence:       evidence,
		Recommendation: "Hide the version banner and keep WordPress core up to date.",
	}
}

func probeTheme(_ context.Context, p *page, m model.ScanMetrics) ([]model.Finding, model.ScanMetrics) {
	match := themeRe.FindStringSubmatch(p.resp.Body)
	if match == nil {
		return nil, m
	}
	m.ThemesAnalyzed++
	return []model.Finding{{
		Severity:    model.SeverityInfo,
		Title:       "WordPress theme detected",
		Description: "Active theme: " + match[1],
		Evidence:    match[0],
	}}, m
}

func probePlugins(_ context.Context, p *page, m model.ScanMetrics) ([]model.Finding, model.ScanMetrics) {
	seen := map[string]struct{}{}
	for _, match := range pluginRe.FindAllStringSubmatch(p.resp.Body, -1) {
		seen[match[1]] = struct{}{}
	}
	if len(seen) == 0 {
		return nil, m
	}
	slugs := make([]string, 0, len(seen))
	for slug := range seen {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	m.PluginsAnalyzed += len(slugs)

	evidence := strings.Join(slugs[:min(len(slugs), maxListedPlugins)], ", ")
	if len(slugs) > maxListedPlugins {
		evidence += fmt.Sprintf(" (+%d more)", len(slugs)-maxListedPlugins)
	}
	return []model.Finding{{
		Severity:       model.SeverityInfo,
		Title:          "WordPress plugins detected",
		Description:    fmt.Sprintf("%d plugin(s) referenced from the homepage.", len(slugs)),
		Evidence:       evidence,
		Recommendation: "Keep plugins updated and remove the ones that are not in use.",
	}}, m
}

const xmlrpcPostOnly = "XML-RPC server accepts POST requests only."

func (s *Scanner) probeXMLRPC(ctx context.Context, p *page, m model.ScanMetrics) ([]model.Finding, model.ScanMetrics) {
	resp, err := s.fetch(ctx, joinPath(p.target, "/xmlrpc.php"), s.timeout)
	if err != nil {
		s.log.WithError(err).WithField("target", p.target).Debug("xmlrpc probe failed")
		return nil, m
	}
	if resp.StatusCode != http.StatusMethodNotAllowed && !strings.Contains(resp.Body, xmlrpcPostOnly) {
		return nil, m
	}
	return []model.Finding{{
		Severity:       model.SeverityLow,
		Title:          "XML-RPC endpoint exposed",
		Description:    "xmlrpc.php is reachable and can be abused for brute force and pingback amplification.",
		Evidence:       fmt.Sprintf("GET /xmlrpc.php -> %d", resp.StatusCode),
		Recommendation: "Disable XML-RPC or block /xmlrpc.php unless a client depends on it.",
	}}, m
}

func (s *Scanner) probeRESTUsers(ctx context.Context, p *page, m model.ScanMetrics) ([]model.Finding, model.ScanMetrics) {
	resp, err := s.fetch(ctx, joinPath(p.target, "/wp-json/wp/v2/users"), s.timeout)
	if err != nil {
		s.log.WithError(err).WithField("target", p.target).Debug("rest users probe failed")
		return nil, m
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if resp.StatusCode != http.StatusOK || !strings.Contains(ct, "application/json") {
		return nil, m
	}
	return []model.Finding{{
		Severity:       model.SeverityMedium,
		Title:          "Possible user enumeration via REST API",
		Description:    "The WordPress REST users endpoint returned JSON.",
		Evidence:       fmt.Sprintf("GET /wp-json/wp/v2/users -> %d", resp.StatusCode),
		Recommendation: "Restrict user endpoints or require authentication. Consider security plugins or custom rules.",
	}}, m
}

var securityHeaders = []struct {
	name           string
	severity       model.Severity
	recommendation string
}{
	{"content-security-policy", model.SeverityMedium, "Add a Content-Security-Policy to reduce XSS risk."},
	{"x-frame-options", model.SeverityLow, "Add X-Frame-Options or frame-ancestors to reduce clickjacking risk."},
	{"strict-transport-security", model.SeverityLow, "Enable HSTS if the site is served over HTTPS."},
}

// probeSecurityHeaders audits the homepage response headers. Each missing
// header counts towards EndpointsChecked.
func probeSecurityHeaders(_ context.Context, p *page, m model.ScanMetrics) ([]model.Finding, model.ScanMetrics) {
	var out []model.Finding
	for _, h := range securityHeaders {
		if len(p.resp.Header.Values(h.name)) > 0 {
			continue
		}
		m.EndpointsChecked++
		out = append(out, model.Finding{
			Severity:       h.severity,
			Title:          "Missing security header: " + h.name,
			Recommendation: h.recommendation,
		})
	}
	return out, m
}
