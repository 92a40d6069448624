package model

import (
	"encoding/json"
	"strings"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Vulnerable reports whether findings of this severity count as vulnerabilities.
// Informational findings do not.
func (s Severity) Vulnerable() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

func (s Severity) Upper() string { return strings.ToUpper(string(s)) }

// Finding is one observation about a target. Empty optional fields are
// stored as NULL.
type Finding struct {
	Severity       Severity `json:"severity"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Evidence       string   `json:"evidence,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// CountVulnerabilities returns the number of non-informational findings.
func CountVulnerabilities(findings []Finding) int {
	n := 0
	for _, f := range findings {
		if f.Severity.Vulnerable() {
			n++
		}
	}
	return n
}

// ScanMetrics is observational data collected while a scan runs.
type ScanMetrics struct {
	StartTime            time.Time     `json:"start_time"`
	Duration             time.Duration `json:"-"`
	PluginsAnalyzed      int           `json:"plugins_analyzed"`
	ThemesAnalyzed       int           `json:"themes_analyzed"`
	EndpointsChecked     int           `json:"endpoints_checked"`
	VulnerabilitiesFound int           `json:"vulnerabilities_found"`
	NoNewFindingsCount   int           `json:"no_new_findings_count"`
}

// MarshalJSON adds duration_ms, since time.Duration has no stable JSON form.
func (m ScanMetrics) MarshalJSON() ([]byte, error) {
	type alias ScanMetrics
	return json.Marshal(struct {
		alias
		DurationMS int64 `json:"duration_ms"`
	}{alias(m), m.Duration.Milliseconds()})
}

// Finalize recomputes the vulnerability count from findings and stamps the duration.
func (m ScanMetrics) Finalize(findings []Finding, now time.Time) ScanMetrics {
	m.VulnerabilitiesFound = CountVulnerabilities(findings)
	m.Duration = now.Sub(m.StartTime)
	return m
}

// Summary counts findings by severity.
type Summary struct {
	Total    int `json:"total_findings"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

func Summarize(findings []Finding) Summary {
	s := Summary{Total: len(findings)}
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			s.Critical++
		case SeverityHigh:
			s.High++
		case SeverityMedium:
			s.Medium++
		case SeverityLow:
			s.Low++
		case SeverityInfo:
			s.Info++
		}
	}
	return s
}

// ScanReport is the archived form of a completed scan.
type ScanReport struct {
	JobID     string      `json:"job_id"`
	TargetURL string      `json:"target_url"`
	WorkerID  string      `json:"worker_id"`
	Summary   Summary     `json:"summary"`
	Findings  []Finding   `json:"findings"`
	Metrics   ScanMetrics `json:"metrics"`
}
