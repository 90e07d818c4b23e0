package camaudit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StreamAnalyzer validates discovered stream descriptors against deployment
// norms. Violations append reasons and clear the compliant flag; a clean
// stream is left untouched.
type StreamAnalyzer struct {
	Codecs         map[string]bool
	Profiles       map[string]bool
	MinBitrateKbps int
	MaxBitrateKbps int
}

// NewStreamAnalyzer returns an analyzer with surveillance-deployment
// defaults.
func NewStreamAnalyzer() *StreamAnalyzer {
	return &StreamAnalyzer{
		Codecs: map[string]bool{
			"H264": true, "H265": true, "HEVC": true,
			"MJPEG": true, "JPEG": true, "MPEG4": true, "MP4V-ES": true,
		},
		Profiles: map[string]bool{
			"Baseline": true, "Main": true, "Extended": true, "High": true,
			"Main10": true, "SP": true, "ASP": true,
		},
		MinBitrateKbps: 64,
		MaxBitrateKbps: 16384,
	}
}

var resolutionForm = regexp.MustCompile(`^(\d+)[xX](\d+)$`)

// Check evaluates one stream and records any violations on it.
func (a *StreamAnalyzer) Check(s *RTSPStream) {
	var issues []string

	if s.Codec == "" {
		issues = append(issues, "codec not declared")
	} else if !a.Codecs[s.Codec] {
		issues = append(issues, fmt.Sprintf("codec %q not in accepted set", s.Codec))
	}

	if m := resolutionForm.FindStringSubmatch(s.Resolution); m == nil {
		issues = append(issues, fmt.Sprintf("resolution %q is not WxH", s.Resolution))
	} else {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		if w == 0 || h == 0 {
			issues = append(issues, fmt.Sprintf("resolution %q has a zero dimension", s.Resolution))
		}
	}

	if s.BitrateKbps != 0 && (s.BitrateKbps < a.MinBitrateKbps || s.BitrateKbps > a.MaxBitrateKbps) {
		issues = append(issues, fmt.Sprintf("bitrate %d kbps outside %d-%d",
			s.BitrateKbps, a.MinBitrateKbps, a.MaxBitrateKbps))
	}

	if s.Profile != "" && !a.Profiles[s.Profile] {
		issues = append(issues, fmt.Sprintf("unrecognized profile %q", s.Profile))
	}

	if len(issues) > 0 {
		s.Compliant = false
		if s.ComplianceIssue != "" {
			issues = append([]string{s.ComplianceIssue}, issues...)
		}
		s.ComplianceIssue = strings.Join(issues, "; ")
	}
}
