package threat

import (
	"fmt"
	"math"

	"github.com/Log-LogN/warden/internal/config"
)

// Inputs are the signals the risk engine combines.
type Inputs struct {
	CVSS         float64 `json:"cvss"`
	EPSS         float64 `json:"epss"`
	KEV          bool    `json:"kev"`
	ExploitCount int     `json:"exploit_count"`
	OpenPorts    []int   `json:"open_ports,omitempty"`
}

// Verdict is the engine output.
type Verdict struct {
	Score    int      `json:"score"`
	Severity string   `json:"severity"`
	Reasons  []string `json:"reasons"`
}

// Score folds the signals into a 0-100 score. Weights: CVSS 45, EPSS 25,
// KEV 15, public exploits 10, open-port exposure 5. Out-of-range inputs
// are clamped, never rejected; the engine runs on partial data.
func Score(in Inputs, th config.ThresholdsConfig) Verdict {
	cvss := clamp(in.CVSS, 0, 10)
	epss := clamp(in.EPSS, 0, 1)

	exploits := in.ExploitCount
	if exploits < 0 {
		exploits = 0
	}
	if exploits > 5 {
		exploits = 5
	}
	ports := len(in.OpenPorts)
	if ports > 5 {
		ports = 5
	}

	points := cvss/10*45 + epss*25
	if in.KEV {
		points += 15
	}
	points += float64(exploits) * 2
	points += float64(ports)

	score := int(math.Round(points))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	verdict := Verdict{Score: score, Reasons: reasons(in, cvss, epss, th)}
	switch {
	case score >= th.ScoreHigh:
		verdict.Severity = "HIGH"
	case score >= th.ScoreMedium:
		verdict.Severity = "MEDIUM"
	default:
		verdict.Severity = "LOW"
	}
	return verdict
}

func reasons(in Inputs, cvss, epss float64, th config.ThresholdsConfig) []string {
	out := []string{}
	switch {
	case cvss >= 9:
		out = append(out, fmt.Sprintf("critical CVSS base score %.1f", cvss))
	case cvss >= 7:
		out = append(out, fmt.Sprintf("high CVSS base score %.1f", cvss))
	case cvss > 0:
		out = append(out, fmt.Sprintf("CVSS base score %.1f", cvss))
	}
	switch {
	case epss >= th.EPSSHigh:
		out = append(out, fmt.Sprintf("EPSS %.0f%%: exploitation highly likely", epss*100))
	case epss >= th.EPSSMedium:
		out = append(out, fmt.Sprintf("EPSS %.0f%%: elevated exploitation probability", epss*100))
	}
	if in.KEV {
		out = append(out, "listed in the CISA KEV catalog")
	}
	switch n := in.ExploitCount; {
	case n == 1:
		out = append(out, "1 public exploit available")
	case n > 1:
		out = append(out, fmt.Sprintf("%d public exploits available", n))
	}
	switch n := len(in.OpenPorts); {
	case n == 1:
		out = append(out, "1 open port increases exposure")
	case n > 1:
		out = append(out, fmt.Sprintf("%d open ports increase exposure", n))
	}
	if len(out) == 0 {
		out = append(out, "no risk signals found")
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
