package findings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/cuemby/scanplane/pkg/engine"
)

// Severity levels, lowest first
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var weights = map[string]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     5,
	SeverityCritical: 10,
}

// Summary counts the findings of one scan result
type Summary struct {
	Total       int            `json:"total"`
	BySeverity  map[string]int `json:"bySeverity"`
	AutoFixable int            `json:"autoFixable"`
	Components  int            `json:"components,omitempty"`
}

func newSummary() *Summary {
	return &Summary{BySeverity: make(map[string]int)}
}

func (s *Summary) add(severity string, fixable bool) {
	s.Total++
	s.BySeverity[severity]++
	if fixable {
		s.AutoFixable++
	}
}

// Count returns the number of findings with one of severities. An empty
// list counts everything.
func (s *Summary) Count(severities []string) int {
	if len(severities) == 0 {
		return s.Total
	}
	n := 0
	for _, sev := range severities {
		n += s.BySeverity[strings.ToLower(sev)]
	}
	return n
}

// RiskScore weights findings by severity
func (s *Summary) RiskScore() int {
	score := 0
	for sev, n := range s.BySeverity {
		score += weights[sev] * n
	}
	return score
}

// Summarize parses data in the given engine format
func Summarize(format engine.Format, data []byte) (*Summary, error) {
	switch format {
	case engine.FormatSARIF:
		return ParseSARIF(bytes.NewReader(data))
	case engine.FormatCycloneDX:
		return ParseCycloneDX(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("unsupported result format %q", format)
}

type sarifLog struct {
	Runs []struct {
		Results []struct {
			Level      string            `json:"level"`
			Properties map[string]any    `json:"properties"`
			Fixes      []json.RawMessage `json:"fixes"`
		} `json:"results"`
	} `json:"runs"`
}

// ParseSARIF counts SARIF results. A "severity" result property wins over
// the SARIF level.
func ParseSARIF(r io.Reader) (*Summary, error) {
	var doc sarifLog
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode SARIF: %w", err)
	}

	s := newSummary()
	for _, run := range doc.Runs {
		for _, res := range run.Results {
			sev := sarifSeverity(res.Level)
			if v, ok := res.Properties["severity"].(string); ok {
				if norm, ok := normalize(v); ok {
					sev = norm
				}
			}
			s.add(sev, len(res.Fixes) > 0)
		}
	}
	return s, nil
}

func sarifSeverity(level string) string {
	switch level {
	case "error":
		return SeverityHigh
	case "note":
		return SeverityLow
	case "none":
		return SeverityInfo
	default:
		// SARIF's default level is warning
		return SeverityMedium
	}
}

// ParseCycloneDX counts vulnerabilities in a CycloneDX JSON BOM, taking the
// highest rating of each
func ParseCycloneDX(r io.Reader) (*Summary, error) {
	var bom cdx.BOM
	if err := cdx.NewBOMDecoder(r, cdx.BOMFileFormatJSON).Decode(&bom); err != nil {
		return nil, fmt.Errorf("failed to decode CycloneDX: %w", err)
	}

	s := newSummary()
	if bom.Components != nil {
		s.Components = len(*bom.Components)
	}
	if bom.Vulnerabilities == nil {
		return s, nil
	}
	for _, v := range *bom.Vulnerabilities {
		sev := SeverityInfo
		if v.Ratings != nil {
			for _, rating := range *v.Ratings {
				if norm, ok := normalize(string(rating.Severity)); ok && weights[norm] > weights[sev] {
					sev = norm
				}
			}
		}
		fixable := v.Recommendation != "" || (v.Analysis != nil && v.Analysis.Response != nil && len(*v.Analysis.Response) > 0)
		s.add(sev, fixable)
	}
	return s, nil
}

func normalize(sev string) (string, bool) {
	switch strings.ToLower(sev) {
	case "critical":
		return SeverityCritical, true
	case "high", "error":
		return SeverityHigh, true
	case "medium", "moderate", "warning":
		return SeverityMedium, true
	case "low", "note":
		return SeverityLow, true
	case "info", "none":
		return SeverityInfo, true
	}
	return "", false
}
