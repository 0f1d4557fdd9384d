package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/router"
	"github.com/Log-LogN/warden/internal/tools"
	"github.com/Log-LogN/warden/pkg/models"
)

// render produces the reply text. The deterministic renderers are the
// source of truth; a configured LLM only rewords their output and any
// failure there falls back to the draft.
func (o *Orchestrator) render(ctx context.Context, plan *Plan, match router.Match, message string, turn *turnState, sess *models.Session) string {
	draft := renderReply(plan, match.Entities, turn, sess, turn.cfg.Thresholds)
	if o.rephraser == nil {
		return draft
	}
	polished, err := o.rephraser.Rephrase(ctx, message, draft)
	if err != nil {
		o.logger.Warn("rephrase failed, keeping deterministic reply", "error", err)
		return draft
	}
	if strings.TrimSpace(polished) == "" {
		return draft
	}
	return polished
}

func renderReply(plan *Plan, e router.Entities, turn *turnState, sess *models.Session, th config.ThresholdsConfig) string {
	if turn.aborted != nil {
		return fmt.Sprintf("I couldn't complete that: %s failed (%s).", turn.aborted.Tool, turn.aborted.Reason)
	}
	switch plan.Intent {
	case router.IntentRiskAssessment:
		return renderRiskAssessment(e, turn)
	case router.IntentThreatOnly:
		return renderThreatOnly(e, turn, th)
	case router.IntentReconOnly:
		return renderRecon(e, turn)
	case router.IntentAdvisory:
		return renderAdvisory(turn)
	case router.IntentDependencyScan:
		return renderDependencyScan(turn)
	case router.IntentWorkflowStatus:
		return renderWorkflowStatus(e, turn)
	case router.IntentWorkflowDispatch:
		return renderWorkflowDispatch(turn)
	case router.IntentReportGeneration:
		return renderReport(turn)
	case router.IntentSessionAnalysis:
		return renderSessionAnalysis(sess)
	default:
		return renderDirect()
	}
}

func renderRiskAssessment(e router.Entities, turn *turnState) string {
	verdict, ok := turn.results["risk_score"]
	if !ok {
		return failText("risk_score", turn.failures)
	}
	cve := tools.String(verdict, "cve")
	if cve == "" {
		cve = e.CVE
	}
	target := e.Host
	if target == "" {
		target = e.IP
	}
	if scan, ok := turn.results["port_scan"]; ok {
		if h := tools.String(scan, "host"); h != "" {
			target = h
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Risk assessment for %s on %s: %s (score %d/100).",
		cve, target, tools.String(verdict, "severity"), tools.Int(verdict, "score"))
	if reasons := anyStrings(verdict["reasons"]); len(reasons) > 0 {
		b.WriteString("\nSignals:")
		for _, r := range reasons {
			fmt.Fprintf(&b, "\n- %s", r)
		}
	}
	appendFailures(&b, turn.failures)
	return b.String()
}

func renderThreatOnly(e router.Entities, turn *turnState, th config.ThresholdsConfig) string {
	epssRes := turn.results["epss_score"]
	kevRes := turn.results["kev_check"]
	exploitRes := turn.results["exploit_check"]
	if epssRes == nil && kevRes == nil && exploitRes == nil {
		return failText("threat feeds", turn.failures)
	}

	epss := tools.Float(epssRes, "epss")
	kev := tools.Bool(kevRes, "listed")
	exploits := tools.Int(exploitRes, "exploit_count")

	var b strings.Builder
	fmt.Fprintf(&b, "Threat picture for %s: %s.", e.CVE, threatSeverity(epss, kev, exploits, th))

	var parts []string
	if epssRes != nil {
		parts = append(parts, fmt.Sprintf("EPSS %.0f%% exploitation probability", epss*100))
	}
	if kevRes != nil {
		if kev {
			segment := "listed in the CISA KEV catalog"
			if added := tools.String(kevRes, "date_added"); added != "" {
				segment += " since " + added
			}
			parts = append(parts, segment)
		} else {
			parts = append(parts, "not in the CISA KEV catalog")
		}
	}
	if exploitRes != nil {
		switch exploits {
		case 0:
			parts = append(parts, "no public exploits indexed")
		case 1:
			parts = append(parts, "1 public exploit indexed")
		default:
			parts = append(parts, fmt.Sprintf("%d public exploits indexed", exploits))
		}
	}
	if len(parts) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(".")
	}
	appendFailures(&b, turn.failures)
	return b.String()
}

// threatSeverity grades a CVE with no target in view: a KEV listing or
// high EPSS means HIGH, elevated EPSS or any public exploit MEDIUM.
func threatSeverity(epss float64, kev bool, exploits int, th config.ThresholdsConfig) string {
	switch {
	case kev || epss >= th.EPSSHigh:
		return "HIGH"
	case epss >= th.EPSSMedium || exploits > 0:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func renderRecon(e router.Entities, turn *turnState) string {
	target := e.Host
	if target == "" {
		target = e.IP
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recon results for %s:", target)

	if dns, ok := turn.results["dns_lookup"]; ok {
		a := tools.StringSlice(dns, "a")
		aaaa := tools.StringSlice(dns, "aaaa")
		switch {
		case len(a) > 0:
			fmt.Fprintf(&b, "\n- DNS: resolves to %s", strings.Join(a, ", "))
			if len(aaaa) > 0 {
				fmt.Fprintf(&b, " and %s", strings.Join(aaaa, ", "))
			}
		case len(aaaa) > 0:
			fmt.Fprintf(&b, "\n- DNS: resolves to %s", strings.Join(aaaa, ", "))
		case tools.Bool(dns, "resolved"):
			b.WriteString("\n- DNS: name resolves, no address records returned")
		default:
			b.WriteString("\n- DNS: name does not resolve")
		}
	}
	if scan, ok := turn.results["port_scan"]; ok {
		ports := tools.IntSlice(scan, "open_ports")
		if len(ports) == 0 {
			fmt.Fprintf(&b, "\n- Ports: none open of %d scanned", tools.Int(scan, "scanned"))
		} else {
			fmt.Fprintf(&b, "\n- Ports: %d open of %d scanned (%s)",
				len(ports), tools.Int(scan, "scanned"), joinInts(ports))
		}
	}
	if cert, ok := turn.results["tls_inspect"]; ok {
		issuer := tools.String(cert, "issuer")
		notAfter := tools.String(cert, "not_after")
		if tools.Bool(cert, "expired") {
			fmt.Fprintf(&b, "\n- TLS: certificate from %s expired on %s", issuer, notAfter)
		} else {
			fmt.Fprintf(&b, "\n- TLS: certificate from %s, valid until %s (%d days left)",
				issuer, notAfter, tools.Int(cert, "days_until_expiry"))
		}
		if tools.Bool(cert, "self_signed") {
			b.WriteString("; self-signed")
		}
	}
	appendFailures(&b, turn.failures)
	return b.String()
}

func renderAdvisory(turn *turnState) string {
	adv, ok := turn.results["ghsa_advisory"]
	if !ok {
		return failText("ghsa_advisory", turn.failures)
	}
	id := tools.String(adv, "ghsa")
	if cve := tools.String(adv, "cve"); cve != "" {
		id += " (" + cve + ")"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Advisory %s: %s", id, tools.String(adv, "summary"))
	severity := tools.String(adv, "severity")
	score := tools.Float(adv, "cvss_score")
	switch {
	case severity != "" && score > 0:
		fmt.Fprintf(&b, "\nSeverity %s, CVSS %.1f.", severity, score)
	case severity != "":
		fmt.Fprintf(&b, "\nSeverity %s.", severity)
	}
	if affected, ok := adv["affected"].([]any); ok && len(affected) > 0 {
		b.WriteString("\nAffected:")
		for _, item := range affected {
			pkg, ok := item.(map[string]any)
			if !ok {
				continue
			}
			line := tools.String(pkg, "package")
			if eco := tools.String(pkg, "ecosystem"); eco != "" {
				line += " (" + eco + ")"
			}
			if rng := tools.String(pkg, "range"); rng != "" {
				line += " " + rng
			}
			if patched := tools.String(pkg, "patched"); patched != "" {
				line += ", patched in " + patched
			}
			fmt.Fprintf(&b, "\n- %s", line)
		}
	}
	return b.String()
}

func renderDependencyScan(turn *turnState) string {
	res, ok := turn.results["dependency_scan"]
	if !ok {
		return failText("dependency_scan", turn.failures)
	}
	repo := tools.String(res, "repo")
	scanned := tools.Int(res, "packages_scanned")
	manifest := tools.String(res, "manifest")
	count := tools.Int(res, "vulnerability_count")
	if count == 0 {
		return fmt.Sprintf("Dependency scan of %s: no known vulnerabilities across %d packages (%s).",
			repo, scanned, manifest)
	}

	var b strings.Builder
	noun := "known vulnerabilities"
	if count == 1 {
		noun = "known vulnerability"
	}
	fmt.Fprintf(&b, "Dependency scan of %s: %d %s across %d packages (%s).",
		repo, count, noun, scanned, manifest)
	if vulnerable, ok := res["vulnerable"].([]any); ok && len(vulnerable) > 0 {
		b.WriteString("\nVulnerable packages:")
		for _, item := range vulnerable {
			pkg, ok := item.(map[string]any)
			if !ok {
				continue
			}
			line := tools.String(pkg, "package")
			if v := tools.String(pkg, "version"); v != "" {
				line += "@" + v
			}
			if ids := anyStrings(pkg["vulns"]); len(ids) > 0 {
				line += ": " + strings.Join(ids, ", ")
			}
			fmt.Fprintf(&b, "\n- %s", line)
		}
	}
	return b.String()
}

func renderWorkflowStatus(e router.Entities, turn *turnState) string {
	res, ok := turn.results["list_runs"]
	if !ok {
		return failText("list_runs", turn.failures)
	}
	repo := tools.String(res, "repo")
	if repo == "" {
		repo = e.Repo
	}
	runs, _ := res["runs"].([]any)
	if len(runs) == 0 {
		return fmt.Sprintf("No workflow runs found for %s.", repo)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent workflow runs for %s:", repo)
	for _, item := range runs {
		run, ok := item.(map[string]any)
		if !ok {
			continue
		}
		state := tools.String(run, "conclusion")
		if state == "" {
			state = tools.String(run, "status")
		}
		line := fmt.Sprintf("#%d %s", tools.Int(run, "run_number"), state)
		if name := tools.String(run, "name"); name != "" {
			line = name + " " + line
		}
		if branch := tools.String(run, "branch"); branch != "" {
			line += " on " + branch
		}
		if event := tools.String(run, "event"); event != "" {
			line += " (" + event + ")"
		}
		if created := tools.String(run, "created_at"); created != "" {
			line += ", " + created
		}
		fmt.Fprintf(&b, "\n- %s", line)
	}
	return b.String()
}

func renderWorkflowDispatch(turn *turnState) string {
	res, ok := turn.results["workflow_dispatch"]
	if !ok {
		return failText("workflow_dispatch", turn.failures)
	}
	return fmt.Sprintf("Workflow %d on %s dispatched at ref %s.",
		tools.Int(res, "workflow_id"), tools.String(res, "repo"), tools.String(res, "ref"))
}

func renderReport(turn *turnState) string {
	res, ok := turn.results["generate_report"]
	if !ok {
		return failText("generate_report", turn.failures)
	}
	return fmt.Sprintf("Report written to %s: %d artifacts, %d bytes.",
		tools.String(res, "path"), tools.Int(res, "artifact_count"), tools.Int(res, "bytes"))
}

func renderSessionAnalysis(sess *models.Session) string {
	findings := analyzeArtifacts(sess.Artifacts)
	if len(findings) == 0 {
		return "No risk findings recorded in this session yet. " +
			"Ask for a risk assessment first, for example \"assess the risk of CVE-2024-3094 on host build1.example.com\"."
	}
	top := findings[0]

	var b strings.Builder
	fmt.Fprintf(&b, "Highest risk this session: %s", top.CVE)
	if top.Host != "" {
		fmt.Fprintf(&b, " on %s", top.Host)
	}
	fmt.Fprintf(&b, ", score %d/100 (%s).", top.Score, top.Severity)
	if len(findings) > 1 {
		b.WriteString("\nAlso assessed:")
		for _, f := range findings[1:] {
			line := f.CVE
			if f.Host != "" {
				line += " on " + f.Host
			}
			fmt.Fprintf(&b, "\n- %s, score %d/100 (%s)", line, f.Score, f.Severity)
		}
	}
	return b.String()
}

func renderDirect() string {
	return "I coordinate five security specialists. Ask me to:\n" +
		"- assess the risk of a CVE on a host (threat)\n" +
		"- check EPSS, KEV, and exploit availability for a CVE (threat)\n" +
		"- run DNS, port, and TLS recon on a host (recon)\n" +
		"- fetch a GHSA advisory or scan a repository's dependencies (intel)\n" +
		"- show or dispatch GitHub Actions workflows (gitops)\n" +
		"- generate a Markdown report of this session's findings (scribe)\n" +
		"Include concrete identifiers (a CVE id, owner/repo, a hostname) and I will route the rest."
}

// riskFinding is one scored entry recovered from the session's risk
// artifacts.
type riskFinding struct {
	CVE      string `json:"cve"`
	Host     string `json:"host,omitempty"`
	Score    int    `json:"score"`
	Severity string `json:"severity"`
}

// analyzeArtifacts ranks the session's risk artifacts by score, highest
// first. Ties keep append order.
func analyzeArtifacts(artifacts []models.Artifact) []riskFinding {
	var out []riskFinding
	for _, a := range artifacts {
		if a.Type != models.ArtifactRisk {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(a.Payload, &payload); err != nil {
			continue
		}
		out = append(out, riskFinding{
			CVE:      tools.String(payload, "cve"),
			Host:     tools.String(payload, "host"),
			Score:    tools.Int(payload, "score"),
			Severity: tools.String(payload, "severity"),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// failText explains a missing primary result from the recorded failures.
func failText(tool string, failures []stepFailure) string {
	for _, f := range failures {
		if f.Tool == tool {
			return fmt.Sprintf("I couldn't complete that: %s failed (%s).", f.Tool, f.Reason)
		}
	}
	if len(failures) > 0 {
		return fmt.Sprintf("I couldn't complete that: %s failed (%s).", failures[0].Tool, failures[0].Reason)
	}
	return fmt.Sprintf("I couldn't complete that: %s returned no result.", tool)
}

// appendFailures notes which signals are missing from the summary above.
func appendFailures(b *strings.Builder, failures []stepFailure) {
	if len(failures) == 0 {
		return
	}
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = fmt.Sprintf("%s (%s)", f.Tool, f.Reason)
	}
	fmt.Fprintf(b, "\nIncomplete signals: %s.", strings.Join(parts, "; "))
}

func anyStrings(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
