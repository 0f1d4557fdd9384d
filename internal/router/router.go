// Package router classifies the latest user turn into one of a closed
// set of intents and extracts the entities the fixed plans need. It is
// a pure function of its input: no model calls, no state, no clock.
package router

import (
	"regexp"
	"strings"
)

// Intent names one routed conversation flow.
type Intent string

const (
	IntentRiskAssessment   Intent = "risk_assessment"
	IntentThreatOnly       Intent = "threat_only"
	IntentReconOnly        Intent = "recon_only"
	IntentAdvisory         Intent = "advisory"
	IntentDependencyScan   Intent = "dependency_scan"
	IntentSessionAnalysis  Intent = "session_analysis"
	IntentReportGeneration Intent = "report_generation"
	IntentWorkflowDispatch Intent = "workflow_dispatch"
	IntentWorkflowStatus   Intent = "workflow_status"
	IntentDirectAnswer     Intent = "direct_answer"
)

// Entities are the identifiers recognized in a user turn.
type Entities struct {
	CVE  string `json:"cve,omitempty"`
	GHSA string `json:"ghsa,omitempty"`
	Host string `json:"host,omitempty"`
	Repo string `json:"repo,omitempty"`
	IP   string `json:"ip,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Match is the router verdict for one turn.
type Match struct {
	Intent   Intent   `json:"intent"`
	Entities Entities `json:"entities"`
}

// keywordRules are checked in order; the first phrase hit wins. Phrases
// containing a space match as substrings, single words match on word
// boundaries so "kev" does not fire inside "kevin".
var keywordRules = []struct {
	intent  Intent
	phrases []string
}{
	{IntentReportGeneration, []string{
		"generate report", "generate a report", "write a report", "markdown report", "create a report",
	}},
	{IntentSessionAnalysis, []string{
		"highest risk", "riskiest", "session analysis", "analyze the session",
		"found so far", "summary of findings", "biggest risk",
	}},
	{IntentWorkflowDispatch, []string{
		"trigger", "dispatch", "kick off the workflow", "run the workflow", "rerun the workflow",
	}},
	{IntentWorkflowStatus, []string{
		"workflow status", "ci status", "build status", "pipeline status",
		"latest run", "recent runs", "workflow runs", "last build",
	}},
	{IntentDependencyScan, []string{
		"dependency scan", "scan dependencies", "dependency", "dependencies",
		"sbom", "vulnerable packages", "lockfile",
	}},
	{IntentAdvisory, []string{
		"advisory", "advisories",
	}},
	{IntentRiskAssessment, []string{
		"analyze risk", "risk assessment", "assess risk", "assess the risk", "how exposed",
	}},
	{IntentThreatOnly, []string{
		"actively exploited", "exploited in the wild", "known exploited",
		"kev", "epss", "exploit", "exploits", "cvss",
	}},
	{IntentReconOnly, []string{
		"port scan", "scan ports", "open ports", "dns lookup", "resolve dns",
		"dns", "nmap", "tls", "certificate", "certificates", "recon",
	}},
}

// Route classifies text. Ordered rules: keyword table, then entity
// combinations, then the direct-answer fallback.
func Route(text string) Match {
	entities := Extract(text)
	lower := strings.ToLower(text)
	words := wordSet(lower)

	for _, rule := range keywordRules {
		for _, phrase := range rule.phrases {
			if strings.ContainsRune(phrase, ' ') {
				if strings.Contains(lower, phrase) {
					return Match{Intent: rule.intent, Entities: entities}
				}
			} else if words[phrase] {
				return Match{Intent: rule.intent, Entities: entities}
			}
		}
	}

	switch {
	case entities.CVE != "" && (entities.Host != "" || entities.IP != ""):
		return Match{Intent: IntentRiskAssessment, Entities: entities}
	case entities.CVE != "":
		return Match{Intent: IntentThreatOnly, Entities: entities}
	case entities.GHSA != "":
		return Match{Intent: IntentAdvisory, Entities: entities}
	case entities.Repo != "":
		return Match{Intent: IntentWorkflowStatus, Entities: entities}
	}
	return Match{Intent: IntentDirectAnswer, Entities: entities}
}

// MentionsTLS reports whether the turn asks about TLS or certificates;
// the recon plan adds tls_inspect when it does.
func MentionsTLS(text string) bool {
	words := wordSet(strings.ToLower(text))
	return words["tls"] || words["ssl"] || words["certificate"] || words["certificates"] || words["cert"] || words["https"]
}

func wordSet(lower string) map[string]bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

var (
	cveRe     = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)
	ghsaRe    = regexp.MustCompile(`(?i)\bGHSA(?:-[a-z0-9]{4}){3}\b`)
	repoURLRe = regexp.MustCompile(`(?i)\b(?:https?://)?github\.com/([A-Za-z0-9][A-Za-z0-9-]{0,38})/([A-Za-z0-9][A-Za-z0-9_.-]{0,99})`)
	urlRe     = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']+`)
	ipRe      = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
	bareRepRe = regexp.MustCompile(`\b([A-Za-z0-9][A-Za-z0-9-]{0,38})/([A-Za-z0-9][A-Za-z0-9_.-]{0,99})\b`)
	hostRe    = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}\b`)
)

// notHostSuffix screens out file names the hostname pattern would
// otherwise accept (requirements.txt, go.mod and friends).
var notHostSuffix = map[string]bool{
	"txt": true, "json": true, "json5": true, "yaml": true, "yml": true,
	"toml": true, "xml": true, "csv": true, "md": true, "mod": true,
	"sum": true, "lock": true, "log": true, "go": true, "py": true,
	"js": true, "ts": true, "sh": true, "html": true, "htm": true,
}

// Extract pulls entities out of text with bounded patterns. The first
// occurrence of each entity kind wins.
func Extract(text string) Entities {
	var e Entities

	if m := cveRe.FindString(text); m != "" {
		e.CVE = strings.ToUpper(m)
	}
	if m := ghsaRe.FindString(text); m != "" {
		e.GHSA = "GHSA" + strings.ToLower(m[4:])
	}

	// GitHub references claim their text so "github.com" never doubles
	// as a plain hostname.
	working := text
	if m := repoURLRe.FindStringSubmatch(working); m != nil {
		e.Repo = m[1] + "/" + strings.TrimSuffix(m[2], ".git")
		working = strings.Replace(working, m[0], " ", 1)
	}

	for _, raw := range urlRe.FindAllString(working, -1) {
		trimmed := strings.TrimRight(raw, ".,;:!?)")
		if e.URL == "" {
			e.URL = trimmed
			e.Host = urlHost(trimmed)
		}
		working = strings.Replace(working, raw, " ", 1)
	}

	if m := ipRe.FindString(working); m != "" {
		e.IP = m
	}
	if e.Repo == "" {
		e.Repo = bareRepo(working)
	}
	if e.Host == "" {
		e.Host = firstHost(working)
	}
	return e
}

func urlHost(raw string) string {
	rest := raw
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	for _, sep := range []string{"/", "?", "#"} {
		if i := strings.Index(rest, sep); i >= 0 {
			rest = rest[:i]
		}
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.Index(rest, ":"); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}

// notRepoPair lists slash pairs that show up in prose and are never
// repository names.
var notRepoPair = map[string]bool{
	"and/or": true, "tcp/ip": true, "yes/no": true, "n/a": true,
	"i/o": true, "w/o": true, "read/write": true, "input/output": true,
}

// notRepoOwner screens out MIME types and URL schemes.
var notRepoOwner = map[string]bool{
	"application": true, "text": true, "image": true, "audio": true,
	"video": true, "http": true, "https": true, "multipart": true,
}

// bareRepo accepts owner/name only when it stands alone: not a path
// segment, not a file reference, not a date, not prose shorthand.
func bareRepo(text string) string {
	for _, idx := range bareRepRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := idx[0], idx[1]
		if start > 0 {
			before := text[start-1]
			if before == '/' || before == '.' {
				continue
			}
		}
		if end < len(text) && text[end] == '/' {
			continue
		}
		owner := text[idx[2]:idx[3]]
		name := text[idx[4]:idx[5]]
		if allDigits(owner) && allDigits(name) {
			continue
		}
		if notRepoPair[strings.ToLower(owner+"/"+name)] || notRepoOwner[strings.ToLower(owner)] {
			continue
		}
		if i := strings.LastIndex(name, "."); i >= 0 && notHostSuffix[strings.ToLower(name[i+1:])] {
			continue
		}
		return owner + "/" + name
	}
	return ""
}

func firstHost(text string) string {
	for _, m := range hostRe.FindAllString(text, -1) {
		lower := strings.ToLower(m)
		if i := strings.LastIndex(lower, "."); i >= 0 && notHostSuffix[lower[i+1:]] {
			continue
		}
		return lower
	}
	return ""
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
