// Package modelrank orders model names by a capability heuristic so the
// credential cascade can try the strongest candidates first. The score is
// only meaningful relative to other scores from the same heuristic; it is
// never persisted.
package modelrank

import (
	"regexp"
	"strconv"
	"strings"
)

const versionWeight = 1000

// Tier bonuses. Version dominates, tier breaks ties inside a version line.
const (
	tierUltra    = 500
	tierPro      = 300
	tierStandard = 200
	tierNano     = 50

	modPreview      = 25
	modExperimental = 25
	modVision       = 10
)

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)`)

// Score ranks a model name. Deterministic: the same name always yields the
// same score. Unknown names fall back to the standard tier with no version
// component.
func Score(name string) float64 {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return 0
	}

	score := 0.0
	if m := versionRe.FindStringSubmatch(n); m != nil {
		major, _ := strconv.ParseFloat(m[1], 64)
		minor, _ := strconv.ParseFloat(m[2], 64)
		score += (major + minor/10) * versionWeight
	}

	switch {
	case strings.Contains(n, "ultra"):
		score += tierUltra
	case strings.Contains(n, "pro"):
		score += tierPro
	case strings.Contains(n, "nano"):
		score += tierNano
	default:
		score += tierStandard
	}

	if strings.Contains(n, "preview") {
		score += modPreview
	}
	if strings.Contains(n, "exp") {
		score += modExperimental
	}
	if strings.Contains(n, "vision") {
		score += modVision
	}

	return score
}

// SortDesc returns the names ordered by descending score, de-duplicated,
// preserving input order among equal scores.
func SortDesc(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	// insertion sort keeps the stable order for equal scores
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && Score(out[j]) > Score(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
