package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/tools"
	"github.com/Log-LogN/warden/pkg/models"
)

// Resolver fills repository-derived arguments before a tool runs:
// missing branch and ref become the repository default branch, a
// workflow name becomes its id, a missing run id becomes the newest
// run. Every fill is reported so callers see what was assumed.
type Resolver struct {
	client *Client
	logger *slog.Logger
}

// NewResolver builds the gitops parameter resolver.
func NewResolver(client *Client, logger *slog.Logger) *Resolver {
	return &Resolver{client: client, logger: logger}
}

// Resolve implements tools.Resolver. It mutates args in place and
// returns one entry per filled field.
func (r *Resolver) Resolve(ctx context.Context, tool string, args map[string]any) ([]models.Resolution, error) {
	owner, name, err := repoArg(args)
	if err != nil {
		return nil, err
	}

	var resolved []models.Resolution
	fill := func(field string, value any, reason string) {
		args[field] = value
		resolved = append(resolved, models.Resolution{Tool: tool, Field: field, Value: value, Reason: reason})
		r.logger.Debug("parameter resolved", "tool", tool, "field", field, "value", value, "reason", reason)
	}

	switch tool {
	case "list_runs":
		if tools.Int(args, "workflow_id") == 0 {
			wf, reason, err := r.pickWorkflow(ctx, tool, owner, name, tools.String(args, "workflow_name"))
			if err != nil {
				return nil, err
			}
			fill("workflow_id", wf.ID, reason)
		}
		if tools.String(args, "branch") == "" {
			branch, err := r.defaultBranch(ctx, owner, name)
			if err != nil {
				return nil, err
			}
			fill("branch", branch, "repository default branch")
		}

	case "run_details":
		if tools.Int(args, "run_id") == 0 {
			wf, _, err := r.pickWorkflow(ctx, tool, owner, name, tools.String(args, "workflow_name"))
			if err != nil {
				return nil, err
			}
			// The runs endpoint returns newest first; one is enough.
			runs, err := r.client.Runs(ctx, owner, name, wf.ID, tools.String(args, "branch"), 1)
			if err != nil {
				return nil, err
			}
			if len(runs) == 0 {
				return nil, &fault.ResolutionError{Tool: tool, Field: "run_id",
					Reason: fmt.Sprintf("workflow %q has no runs", wf.Name)}
			}
			fill("run_id", runs[0].ID, fmt.Sprintf("newest run of workflow %q", wf.Name))
		}

	case "list_commits":
		if tools.String(args, "branch") == "" {
			branch, err := r.defaultBranch(ctx, owner, name)
			if err != nil {
				return nil, err
			}
			fill("branch", branch, "repository default branch")
		}

	case "workflow_dispatch":
		if tools.Int(args, "workflow_id") == 0 {
			wf, reason, err := r.pickWorkflow(ctx, tool, owner, name, tools.String(args, "workflow_name"))
			if err != nil {
				return nil, err
			}
			fill("workflow_id", wf.ID, reason)
		}
		if tools.String(args, "ref") == "" {
			branch, err := r.defaultBranch(ctx, owner, name)
			if err != nil {
				return nil, err
			}
			fill("ref", branch, "repository default branch")
		}
	}

	return resolved, nil
}

// pickWorkflow selects the workflow the caller meant. A name matches
// case-insensitively and exactly; without a name the repository must
// have exactly one workflow.
func (r *Resolver) pickWorkflow(ctx context.Context, tool, owner, name, wanted string) (Workflow, string, error) {
	workflows, err := r.client.Workflows(ctx, owner, name)
	if err != nil {
		return Workflow{}, "", err
	}

	if wanted != "" {
		for _, wf := range workflows {
			if strings.EqualFold(wf.Name, wanted) {
				return wf, fmt.Sprintf("matched workflow name %q", wf.Name), nil
			}
		}
		return Workflow{}, "", &fault.ResolutionError{Tool: tool, Field: "workflow_id",
			Reason: fmt.Sprintf("no workflow named %q", wanted)}
	}

	switch len(workflows) {
	case 0:
		return Workflow{}, "", &fault.ResolutionError{Tool: tool, Field: "workflow_id",
			Reason: "repository has no workflows"}
	case 1:
		return workflows[0], "only workflow in repository", nil
	default:
		return Workflow{}, "", &fault.ResolutionError{Tool: tool, Field: "workflow_id",
			Reason: fmt.Sprintf("%d workflows; pass workflow_id or workflow_name", len(workflows))}
	}
}

func (r *Resolver) defaultBranch(ctx context.Context, owner, name string) (string, error) {
	repo, err := r.client.Repo(ctx, owner, name)
	if err != nil {
		return "", err
	}
	return repo.DefaultBranch, nil
}
