package gitops

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/tools"
	"github.com/Log-LogN/warden/internal/upstream"
)

// Service holds the gitops tool implementations.
type Service struct {
	client   *Client
	resolver *Resolver
	logger   *slog.Logger
}

// New builds the gitops service.
func New(cfg config.UpstreamsConfig, http *upstream.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gitops")
	client := NewClient(cfg, http)
	return &Service{
		client:   client,
		resolver: NewResolver(client, logger),
		logger:   logger,
	}
}

// Register adds the gitops tools to reg.
func (s *Service) Register(reg *tools.Registry) {
	repo := tools.Arg{Name: "repo", Type: tools.TypeString, Description: "Repository as owner/name or GitHub URL", Required: true}

	reg.MustRegister(tools.Spec{
		Name:        "repo_overview",
		Description: "Repository metadata: default branch, visibility, language, activity counters",
		Args:        []tools.Arg{repo},
		ReadOnly:    true,
		Handler:     s.repoOverview,
	})
	reg.MustRegister(tools.Spec{
		Name:        "list_workflows",
		Description: "List the GitHub Actions workflows defined in a repository",
		Args:        []tools.Arg{repo},
		ReadOnly:    true,
		Handler:     s.listWorkflows,
	})
	reg.MustRegister(tools.Spec{
		Name:        "list_runs",
		Description: "List recent runs of a workflow, newest first",
		Args: []tools.Arg{
			repo,
			{Name: "workflow_id", Type: tools.TypeInteger, Description: "Workflow id; resolved from workflow_name when omitted"},
			{Name: "workflow_name", Type: tools.TypeString, Description: "Workflow name, matched case-insensitively"},
			{Name: "branch", Type: tools.TypeString, Description: "Branch filter; resolved to the default branch when omitted"},
			{Name: "limit", Type: tools.TypeInteger, Description: "Maximum runs to return", Default: 10},
		},
		ReadOnly: true,
		Resolver: s.resolver,
		Handler:  s.listRuns,
	})
	reg.MustRegister(tools.Spec{
		Name:        "run_details",
		Description: "One workflow run with its jobs and steps",
		Args: []tools.Arg{
			repo,
			{Name: "run_id", Type: tools.TypeInteger, Description: "Run id; resolved to the newest run when omitted"},
			{Name: "workflow_id", Type: tools.TypeInteger, Description: "Workflow to resolve the run from"},
			{Name: "workflow_name", Type: tools.TypeString, Description: "Workflow name, matched case-insensitively"},
			{Name: "branch", Type: tools.TypeString, Description: "Branch to resolve the run from"},
		},
		ReadOnly: true,
		Resolver: s.resolver,
		Handler:  s.runDetails,
	})
	reg.MustRegister(tools.Spec{
		Name:        "list_commits",
		Description: "List recent commits on a branch, newest first",
		Args: []tools.Arg{
			repo,
			{Name: "branch", Type: tools.TypeString, Description: "Branch, tag, or SHA; resolved to the default branch when omitted"},
			{Name: "limit", Type: tools.TypeInteger, Description: "Maximum commits to return", Default: 10},
		},
		ReadOnly: true,
		Resolver: s.resolver,
		Handler:  s.listCommits,
	})
	reg.MustRegister(tools.Spec{
		Name:        "workflow_dispatch",
		Description: "Trigger a workflow_dispatch event on a ref; requires an approval token",
		Args: []tools.Arg{
			repo,
			{Name: "workflow_id", Type: tools.TypeInteger, Description: "Workflow id; resolved from workflow_name when omitted"},
			{Name: "workflow_name", Type: tools.TypeString, Description: "Workflow name, matched case-insensitively"},
			{Name: "ref", Type: tools.TypeString, Description: "Branch or tag to run on; resolved to the default branch when omitted"},
			{Name: "inputs", Type: tools.TypeObject, Description: "Workflow dispatch inputs"},
		},
		RequiresApproval: true,
		Resolver:         s.resolver,
		Handler:          s.workflowDispatch,
	})
}

func repoArg(args map[string]any) (owner, name string, err error) {
	raw := tools.String(args, "repo")
	repo := strings.TrimPrefix(raw, "https://")
	repo = strings.TrimPrefix(repo, "http://")
	repo = strings.TrimPrefix(repo, "github.com/")
	repo = strings.TrimSuffix(repo, ".git")
	repo = strings.Trim(repo, "/")
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fault.Validationf("repo must be owner/name, got %q", raw)
	}
	return parts[0], parts[1], nil
}

func limitArg(args map[string]any, def, max int) int {
	limit := tools.Int(args, "limit")
	if limit < 1 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func (s *Service) repoOverview(ctx context.Context, args map[string]any) (any, error) {
	owner, name, err := repoArg(args)
	if err != nil {
		return nil, err
	}
	return s.client.Repo(ctx, owner, name)
}

// WorkflowList is the list_workflows tool output.
type WorkflowList struct {
	Repo      string     `json:"repo"`
	Workflows []Workflow `json:"workflows"`
	Count     int        `json:"count"`
}

func (s *Service) listWorkflows(ctx context.Context, args map[string]any) (any, error) {
	owner, name, err := repoArg(args)
	if err != nil {
		return nil, err
	}
	workflows, err := s.client.Workflows(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if workflows == nil {
		workflows = []Workflow{}
	}
	return &WorkflowList{Repo: owner + "/" + name, Workflows: workflows, Count: len(workflows)}, nil
}

// RunList is the list_runs tool output.
type RunList struct {
	Repo       string `json:"repo"`
	WorkflowID int64  `json:"workflow_id"`
	Branch     string `json:"branch,omitempty"`
	Runs       []Run  `json:"runs"`
	Count      int    `json:"count"`
}

func (s *Service) listRuns(ctx context.Context, args map[string]any) (any, error) {
	owner, name, err := repoArg(args)
	if err != nil {
		return nil, err
	}
	workflowID := int64(tools.Int(args, "workflow_id"))
	if workflowID == 0 {
		return nil, fault.Validationf("workflow_id is required")
	}
	branch := tools.String(args, "branch")

	runs, err := s.client.Runs(ctx, owner, name, workflowID, branch, limitArg(args, 10, 50))
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []Run{}
	}
	return &RunList{
		Repo:       owner + "/" + name,
		WorkflowID: workflowID,
		Branch:     branch,
		Runs:       runs,
		Count:      len(runs),
	}, nil
}

// RunDetails is the run_details tool output.
type RunDetails struct {
	Repo string `json:"repo"`
	Run  Run    `json:"run"`
	Jobs []Job  `json:"jobs"`
}

func (s *Service) runDetails(ctx context.Context, args map[string]any) (any, error) {
	owner, name, err := repoArg(args)
	if err != nil {
		return nil, err
	}
	runID := int64(tools.Int(args, "run_id"))
	if runID == 0 {
		return nil, fault.Validationf("run_id is required")
	}

	run, err := s.client.RunByID(ctx, owner, name, runID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.client.RunJobs(ctx, owner, name, runID)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []Job{}
	}
	return &RunDetails{Repo: owner + "/" + name, Run: *run, Jobs: jobs}, nil
}

// CommitList is the list_commits tool output.
type CommitList struct {
	Repo    string   `json:"repo"`
	Branch  string   `json:"branch"`
	Commits []Commit `json:"commits"`
	Count   int      `json:"count"`
}

func (s *Service) listCommits(ctx context.Context, args map[string]any) (any, error) {
	owner, name, err := repoArg(args)
	if err != nil {
		return nil, err
	}
	branch := tools.String(args, "branch")

	commits, err := s.client.Commits(ctx, owner, name, branch, limitArg(args, 10, 50))
	if err != nil {
		return nil, err
	}
	if commits == nil {
		commits = []Commit{}
	}
	return &CommitList{
		Repo:    owner + "/" + name,
		Branch:  branch,
		Commits: commits,
		Count:   len(commits),
	}, nil
}

// DispatchResult is the workflow_dispatch tool output.
type DispatchResult struct {
	Repo       string `json:"repo"`
	WorkflowID int64  `json:"workflow_id"`
	Ref        string `json:"ref"`
	Status     string `json:"status"`
}

func (s *Service) workflowDispatch(ctx context.Context, args map[string]any) (any, error) {
	owner, name, err := repoArg(args)
	if err != nil {
		return nil, err
	}
	workflowID := int64(tools.Int(args, "workflow_id"))
	if workflowID == 0 {
		return nil, fault.Validationf("workflow_id is required")
	}
	ref := tools.String(args, "ref")
	if ref == "" {
		return nil, fault.Validationf("ref is required")
	}
	inputs, _ := args["inputs"].(map[string]any)

	if err := s.client.Dispatch(ctx, owner, name, workflowID, ref, inputs); err != nil {
		return nil, err
	}
	s.logger.Info("workflow dispatched", "repo", owner+"/"+name, "workflow_id", workflowID, "ref", ref)
	return &DispatchResult{
		Repo:       owner + "/" + name,
		WorkflowID: workflowID,
		Ref:        ref,
		Status:     "dispatched",
	}, nil
}
