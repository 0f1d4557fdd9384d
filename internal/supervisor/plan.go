package supervisor

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/Log-LogN/warden/internal/router"
	"github.com/Log-LogN/warden/internal/tools"
	"github.com/Log-LogN/warden/pkg/models"
)

// Results indexes normalized step payloads by tool name. Later stages
// and the renderers read prior results from it.
type Results map[string]map[string]any

// Step is one tool invocation inside a plan.
type Step struct {
	Tool string
	Args map[string]any
	// Critical aborts the plan when the step fails.
	Critical bool
	// Destructive steps need an approval token minted before dispatch.
	Destructive bool
	// Prepare fills args from earlier stage results just before dispatch.
	Prepare func(prior Results, args map[string]any)
}

// Stage groups steps that run concurrently. Stages run in order.
type Stage struct {
	Steps []Step
}

// Plan is the fixed tool sequence for one routed intent.
type Plan struct {
	Intent router.Intent
	// Agent names the specialist the reply is attributed to.
	Agent  string
	Stages []Stage
	// Ask, when set, short-circuits the turn: the router matched but a
	// required entity is missing, so the reply asks for it.
	Ask string
	// BuildArtifact derives the session artifact from the finished
	// results. Nil means the flow records nothing.
	BuildArtifact func(res Results) (models.ArtifactType, any, bool)
}

// Destructive reports whether any step needs approval.
func (p *Plan) Destructive() bool {
	for _, stage := range p.Stages {
		for _, step := range stage.Steps {
			if step.Destructive {
				return true
			}
		}
	}
	return false
}

// StepCount returns the number of steps across all stages.
func (p *Plan) StepCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage.Steps)
	}
	return n
}

// BuildPlan maps a routed intent onto its fixed tool sequence. The
// session is consulted only where a plan carries session state in its
// args (report generation ships the artifact log to scribe).
func BuildPlan(match router.Match, text string, sess *models.Session) *Plan {
	switch match.Intent {
	case router.IntentRiskAssessment:
		return riskAssessmentPlan(match.Entities)
	case router.IntentThreatOnly:
		return threatOnlyPlan(match.Entities)
	case router.IntentReconOnly:
		return reconOnlyPlan(match.Entities, text)
	case router.IntentAdvisory:
		return advisoryPlan(match.Entities)
	case router.IntentDependencyScan:
		return dependencyScanPlan(match.Entities)
	case router.IntentWorkflowStatus:
		return workflowStatusPlan(match.Entities, text)
	case router.IntentWorkflowDispatch:
		return workflowDispatchPlan(match.Entities, text)
	case router.IntentReportGeneration:
		return reportGenerationPlan(sess)
	case router.IntentSessionAnalysis:
		return &Plan{
			Intent: router.IntentSessionAnalysis,
			Agent:  "supervisor",
			BuildArtifact: func(Results) (models.ArtifactType, any, bool) {
				findings := analyzeArtifacts(sess.Artifacts)
				if len(findings) == 0 {
					return "", nil, false
				}
				return models.ArtifactSessionAnalysis, map[string]any{"findings": findings}, true
			},
		}
	default:
		return &Plan{Intent: router.IntentDirectAnswer, Agent: "supervisor"}
	}
}

func ask(intent router.Intent, agent, question string) *Plan {
	return &Plan{Intent: intent, Agent: agent, Ask: question}
}

func riskAssessmentPlan(e router.Entities) *Plan {
	if e.CVE == "" {
		return ask(router.IntentRiskAssessment, "threat",
			"Which CVE should I assess? Include an id like CVE-2024-3094.")
	}
	target := e.Host
	if target == "" {
		target = e.IP
	}
	if target == "" {
		return ask(router.IntentRiskAssessment, "threat",
			"Which host runs the affected software? Include a hostname or IP so I can gauge exposure.")
	}

	cve := map[string]any{"cve": e.CVE}
	return &Plan{
		Intent: router.IntentRiskAssessment,
		Agent:  "threat",
		Stages: []Stage{
			{Steps: []Step{
				{Tool: "cvss_lookup", Args: cloneArgs(cve)},
				{Tool: "epss_score", Args: cloneArgs(cve)},
				{Tool: "kev_check", Args: cloneArgs(cve)},
				{Tool: "exploit_check", Args: cloneArgs(cve)},
				{Tool: "port_scan", Args: map[string]any{"host": target}},
			}},
			{Steps: []Step{{
				Tool:     "risk_score",
				Args:     cloneArgs(cve),
				Critical: true,
				Prepare:  prepareRiskInputs,
			}}},
		},
		BuildArtifact: riskArtifact,
	}
}

// prepareRiskInputs feeds the risk engine whatever stage one produced.
// Absent results leave the tool defaults in place; the engine runs on
// partial data.
func prepareRiskInputs(prior Results, args map[string]any) {
	if r, ok := prior["cvss_lookup"]; ok {
		args["cvss"] = tools.Float(r, "base_score")
	}
	if r, ok := prior["epss_score"]; ok {
		args["epss"] = tools.Float(r, "epss")
	}
	if r, ok := prior["kev_check"]; ok {
		args["kev"] = tools.Bool(r, "listed")
	}
	if r, ok := prior["exploit_check"]; ok {
		args["exploit_count"] = tools.Int(r, "exploit_count")
	}
	if r, ok := prior["port_scan"]; ok {
		if ports := tools.IntSlice(r, "open_ports"); len(ports) > 0 {
			args["open_ports"] = ports
		}
	}
}

func riskArtifact(res Results) (models.ArtifactType, any, bool) {
	verdict, ok := res["risk_score"]
	if !ok {
		return "", nil, false
	}
	payload := map[string]any{
		"cve":      tools.String(verdict, "cve"),
		"score":    tools.Int(verdict, "score"),
		"severity": tools.String(verdict, "severity"),
		"reasons":  verdict["reasons"],
	}
	if scan, ok := res["port_scan"]; ok {
		payload["host"] = tools.String(scan, "host")
		if ports := scan["open_ports"]; ports != nil {
			payload["open_ports"] = ports
		}
	}
	return models.ArtifactRisk, payload, true
}

func threatOnlyPlan(e router.Entities) *Plan {
	if e.CVE == "" {
		return ask(router.IntentThreatOnly, "threat",
			"Which CVE do you mean? Include an id like CVE-2024-3094.")
	}
	cve := map[string]any{"cve": e.CVE}
	return &Plan{
		Intent: router.IntentThreatOnly,
		Agent:  "threat",
		Stages: []Stage{{Steps: []Step{
			{Tool: "epss_score", Args: cloneArgs(cve)},
			{Tool: "kev_check", Args: cloneArgs(cve)},
			{Tool: "exploit_check", Args: cloneArgs(cve)},
		}}},
	}
}

func reconOnlyPlan(e router.Entities, text string) *Plan {
	target := e.Host
	if target == "" {
		target = e.IP
	}
	if target == "" {
		return ask(router.IntentReconOnly, "recon",
			"Which host should I look at? Include a hostname or IP.")
	}

	steps := []Step{
		{Tool: "dns_lookup", Args: map[string]any{"host": target}},
		{Tool: "port_scan", Args: map[string]any{"host": target}},
	}
	if router.MentionsTLS(text) {
		steps = append(steps, Step{Tool: "tls_inspect", Args: map[string]any{"host": target}})
	}
	return &Plan{
		Intent: router.IntentReconOnly,
		Agent:  "recon",
		Stages: []Stage{{Steps: steps}},
		BuildArtifact: func(res Results) (models.ArtifactType, any, bool) {
			payload := map[string]any{"host": target}
			found := false
			for key, tool := range map[string]string{
				"dns": "dns_lookup", "ports": "port_scan", "tls": "tls_inspect",
			} {
				if r, ok := res[tool]; ok {
					payload[key] = r
					found = true
				}
			}
			return models.ArtifactDomain, payload, found
		},
	}
}

func advisoryPlan(e router.Entities) *Plan {
	if e.GHSA == "" {
		return ask(router.IntentAdvisory, "intel",
			"Which advisory? Include an id like GHSA-jfh8-c2jp-5v3q.")
	}
	return &Plan{
		Intent: router.IntentAdvisory,
		Agent:  "intel",
		Stages: []Stage{{Steps: []Step{
			{Tool: "ghsa_advisory", Args: map[string]any{"ghsa": e.GHSA}},
		}}},
		BuildArtifact: singleResultArtifact("ghsa_advisory", models.ArtifactAdvisory),
	}
}

func dependencyScanPlan(e router.Entities) *Plan {
	if e.Repo == "" {
		return ask(router.IntentDependencyScan, "intel",
			"Which repository should I scan? Include it as owner/name.")
	}
	return &Plan{
		Intent: router.IntentDependencyScan,
		Agent:  "intel",
		Stages: []Stage{{Steps: []Step{
			{Tool: "dependency_scan", Args: map[string]any{"repo": e.Repo}, Critical: true},
		}}},
		BuildArtifact: singleResultArtifact("dependency_scan", models.ArtifactDependencyScan),
	}
}

func workflowStatusPlan(e router.Entities, text string) *Plan {
	if e.Repo == "" {
		return ask(router.IntentWorkflowStatus, "gitops",
			"Which repository? Include it as owner/name.")
	}
	args := map[string]any{"repo": e.Repo, "limit": 5}
	if name := workflowNameFrom(text); name != "" {
		args["workflow_name"] = name
	}
	if branch := branchFrom(text); branch != "" {
		args["branch"] = branch
	}
	return &Plan{
		Intent: router.IntentWorkflowStatus,
		Agent:  "gitops",
		Stages: []Stage{{Steps: []Step{
			{Tool: "list_runs", Args: args},
		}}},
	}
}

func workflowDispatchPlan(e router.Entities, text string) *Plan {
	if e.Repo == "" {
		return ask(router.IntentWorkflowDispatch, "gitops",
			"Which repository's workflow should I dispatch? Include it as owner/name.")
	}
	args := map[string]any{"repo": e.Repo}
	if name := workflowNameFrom(text); name != "" {
		args["workflow_name"] = name
	}
	if branch := branchFrom(text); branch != "" {
		args["ref"] = branch
	}
	return &Plan{
		Intent: router.IntentWorkflowDispatch,
		Agent:  "gitops",
		Stages: []Stage{{Steps: []Step{
			{Tool: "workflow_dispatch", Args: args, Critical: true, Destructive: true},
		}}},
	}
}

func reportGenerationPlan(sess *models.Session) *Plan {
	artifacts := make([]any, 0, len(sess.Artifacts))
	for _, a := range sess.Artifacts {
		var payload any
		_ = json.Unmarshal(a.Payload, &payload)
		artifacts = append(artifacts, map[string]any{
			"type":       string(a.Type),
			"created_at": a.CreatedAt.UTC().Format(time.RFC3339),
			"payload":    payload,
		})
	}
	args := map[string]any{
		"title":     "Security Report",
		"artifacts": artifacts,
	}
	if sess.Summary != "" {
		args["summary"] = sess.Summary
	}
	return &Plan{
		Intent: router.IntentReportGeneration,
		Agent:  "scribe",
		Stages: []Stage{{Steps: []Step{
			{Tool: "generate_report", Args: args, Critical: true},
		}}},
		BuildArtifact: singleResultArtifact("generate_report", models.ArtifactReporting),
	}
}

func singleResultArtifact(tool string, typ models.ArtifactType) func(Results) (models.ArtifactType, any, bool) {
	return func(res Results) (models.ArtifactType, any, bool) {
		r, ok := res[tool]
		if !ok {
			return "", nil, false
		}
		return typ, r, true
	}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

var (
	// "the release workflow", "rerun deploy workflow"
	workflowBeforeRe = regexp.MustCompile(`(?i)\b([A-Za-z0-9._-]+)\s+workflow\b`)
	// "workflow release", "the workflow named deploy"
	workflowAfterRe = regexp.MustCompile(`(?i)\bworkflow\s+(?:named\s+|called\s+)?"?([A-Za-z0-9._-]+)"?`)
	branchRe        = regexp.MustCompile(`(?i)\b(?:branch|ref)\s+([A-Za-z0-9._/-]+)`)
)

// fillerWords are captures that are prose, not names: articles, the
// verbs that precede "workflow", and the words that follow it in status
// questions.
var fillerWords = map[string]bool{
	"the": true, "a": true, "an": true, "this": true, "that": true,
	"my": true, "our": true, "your": true, "its": true, "each": true,
	"every": true, "default": true, "same": true, "latest": true,
	"new": true, "named": true, "called": true, "github": true,
	"trigger": true, "dispatch": true, "run": true, "rerun": true,
	"start": true, "launch": true, "execute": true, "kick": true,
	"off": true, "check": true, "show": true, "on": true, "in": true,
	"for": true, "at": true, "to": true, "from": true, "with": true,
	"of": true, "against": true, "using": true, "now": true,
	"again": true, "please": true, "status": true, "runs": true,
	"state": true, "history": true, "list": true, "build": true,
	"builds": true,
}

// workflowNameFrom pulls a workflow name out of prose. Empty means the
// turn named none; the resolver then applies its own rules.
func workflowNameFrom(text string) string {
	for _, re := range []*regexp.Regexp{workflowBeforeRe, workflowAfterRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			name := strings.Trim(m[1], ".")
			if name != "" && !fillerWords[strings.ToLower(name)] {
				return name
			}
		}
	}
	return ""
}

// branchFrom accepts only the explicit "branch X" / "ref X" forms, so
// "the default branch" stays unset and resolves server-side.
func branchFrom(text string) string {
	if m := branchRe.FindStringSubmatch(text); m != nil {
		name := strings.Trim(m[1], ".")
		if name != "" && !fillerWords[strings.ToLower(name)] {
			return name
		}
	}
	return ""
}
