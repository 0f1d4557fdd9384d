// Package gitops serves the GitHub repository and Actions tools. Five
// read-only views over the REST API plus workflow_dispatch, the one
// mutating tool in the fleet, gated behind an approval token. The
// parameter resolver lives here too: it fills branches, workflow ids,
// and run ids so callers can speak in repository terms.
package gitops

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/upstream"
)

// Client is a typed view over the slice of the GitHub REST API the
// gitops tools need. Every base URL comes from configuration so tests
// point it at a stub server.
type Client struct {
	http    *upstream.Client
	baseURL string
	token   string
}

// NewClient builds a GitHub API client.
func NewClient(cfg config.UpstreamsConfig, http *upstream.Client) *Client {
	return &Client{
		http:    http,
		baseURL: strings.TrimRight(cfg.GitHubBaseURL, "/"),
		token:   cfg.GitHubToken,
	}
}

func (c *Client) headers() map[string]string {
	headers := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	return headers
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return c.http.GetJSON(ctx, "github", endpoint, c.headers(), out)
}

// RepoInfo is the repository metadata the tools report.
type RepoInfo struct {
	FullName      string   `json:"full_name"`
	Description   string   `json:"description,omitempty"`
	DefaultBranch string   `json:"default_branch"`
	Visibility    string   `json:"visibility"`
	Language      string   `json:"language,omitempty"`
	Stars         int      `json:"stars"`
	Forks         int      `json:"forks"`
	OpenIssues    int      `json:"open_issues"`
	Archived      bool     `json:"archived"`
	PushedAt      string   `json:"pushed_at,omitempty"`
	URL           string   `json:"url,omitempty"`
	Topics        []string `json:"topics,omitempty"`
}

type repoResponse struct {
	FullName        string   `json:"full_name"`
	Description     string   `json:"description"`
	DefaultBranch   string   `json:"default_branch"`
	Visibility      string   `json:"visibility"`
	Language        string   `json:"language"`
	StargazersCount int      `json:"stargazers_count"`
	ForksCount      int      `json:"forks_count"`
	OpenIssuesCount int      `json:"open_issues_count"`
	Archived        bool     `json:"archived"`
	PushedAt        string   `json:"pushed_at"`
	HTMLURL         string   `json:"html_url"`
	Topics          []string `json:"topics"`
}

// Repo fetches repository metadata.
func (c *Client) Repo(ctx context.Context, owner, name string) (*RepoInfo, error) {
	var resp repoResponse
	if err := c.get(ctx, "/repos/"+owner+"/"+name, nil, &resp); err != nil {
		return nil, err
	}
	return &RepoInfo{
		FullName:      resp.FullName,
		Description:   resp.Description,
		DefaultBranch: resp.DefaultBranch,
		Visibility:    resp.Visibility,
		Language:      resp.Language,
		Stars:         resp.StargazersCount,
		Forks:         resp.ForksCount,
		OpenIssues:    resp.OpenIssuesCount,
		Archived:      resp.Archived,
		PushedAt:      resp.PushedAt,
		URL:           resp.HTMLURL,
		Topics:        resp.Topics,
	}, nil
}

// Workflow is one GitHub Actions workflow. The wire field names match
// ours, so this doubles as the decode target.
type Workflow struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	State string `json:"state"`
}

// Workflows lists the workflows defined in a repository.
func (c *Client) Workflows(ctx context.Context, owner, name string) ([]Workflow, error) {
	var resp struct {
		Workflows []Workflow `json:"workflows"`
	}
	if err := c.get(ctx, "/repos/"+owner+"/"+name+"/actions/workflows", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

// Run is one workflow run.
type Run struct {
	ID         int64  `json:"id"`
	Name       string `json:"name,omitempty"`
	RunNumber  int    `json:"run_number"`
	Event      string `json:"event"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
	Branch     string `json:"branch"`
	SHA        string `json:"sha"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at,omitempty"`
	URL        string `json:"url,omitempty"`
}

type runResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	RunNumber  int    `json:"run_number"`
	Event      string `json:"event"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	HTMLURL    string `json:"html_url"`
}

func (r runResponse) toRun() Run {
	return Run{
		ID:         r.ID,
		Name:       r.Name,
		RunNumber:  r.RunNumber,
		Event:      r.Event,
		Status:     r.Status,
		Conclusion: r.Conclusion,
		Branch:     r.HeadBranch,
		SHA:        r.HeadSHA,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		URL:        r.HTMLURL,
	}
}

// Runs lists runs of one workflow, newest first (the API's own order).
// branch filters when non-empty.
func (c *Client) Runs(ctx context.Context, owner, name string, workflowID int64, branch string, limit int) ([]Run, error) {
	query := url.Values{}
	if branch != "" {
		query.Set("branch", branch)
	}
	if limit > 0 {
		query.Set("per_page", strconv.Itoa(limit))
	}

	var resp struct {
		WorkflowRuns []runResponse `json:"workflow_runs"`
	}
	path := "/repos/" + owner + "/" + name + "/actions/workflows/" + strconv.FormatInt(workflowID, 10) + "/runs"
	if err := c.get(ctx, path, query, &resp); err != nil {
		return nil, err
	}

	runs := make([]Run, len(resp.WorkflowRuns))
	for i, r := range resp.WorkflowRuns {
		runs[i] = r.toRun()
	}
	return runs, nil
}

// RunByID fetches one run.
func (c *Client) RunByID(ctx context.Context, owner, name string, runID int64) (*Run, error) {
	var resp runResponse
	path := "/repos/" + owner + "/" + name + "/actions/runs/" + strconv.FormatInt(runID, 10)
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	run := resp.toRun()
	return &run, nil
}

// Step is one step inside a job.
type Step struct {
	Number     int    `json:"number"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// Job is one job inside a workflow run.
type Job struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Conclusion  string `json:"conclusion,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Steps       []Step `json:"steps,omitempty"`
}

// RunJobs lists the jobs of one run.
func (c *Client) RunJobs(ctx context.Context, owner, name string, runID int64) ([]Job, error) {
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	path := "/repos/" + owner + "/" + name + "/actions/runs/" + strconv.FormatInt(runID, 10) + "/jobs"
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Commit is one commit on a branch. Message is the subject line only.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	URL     string `json:"url,omitempty"`
}

type commitResponse struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
			Date string `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	HTMLURL string `json:"html_url"`
}

// Commits lists commits reachable from ref, newest first. ref may be a
// branch, tag, or SHA; empty means the repository default branch.
func (c *Client) Commits(ctx context.Context, owner, name, ref string, limit int) ([]Commit, error) {
	query := url.Values{}
	if ref != "" {
		query.Set("sha", ref)
	}
	if limit > 0 {
		query.Set("per_page", strconv.Itoa(limit))
	}

	var resp []commitResponse
	if err := c.get(ctx, "/repos/"+owner+"/"+name+"/commits", query, &resp); err != nil {
		return nil, err
	}

	commits := make([]Commit, len(resp))
	for i, raw := range resp {
		author := raw.Author.Login
		if author == "" {
			author = raw.Commit.Author.Name
		}
		subject := raw.Commit.Message
		if nl := strings.IndexByte(subject, '\n'); nl >= 0 {
			subject = subject[:nl]
		}
		commits[i] = Commit{
			SHA:     raw.SHA,
			Message: subject,
			Author:  author,
			Date:    raw.Commit.Author.Date,
			URL:     raw.HTMLURL,
		}
	}
	return commits, nil
}

// Dispatch triggers a workflow on ref. GitHub answers 204 with no body.
func (c *Client) Dispatch(ctx context.Context, owner, name string, workflowID int64, ref string, inputs map[string]any) error {
	body := map[string]any{"ref": ref}
	if len(inputs) > 0 {
		body["inputs"] = inputs
	}
	endpoint := c.baseURL + "/repos/" + owner + "/" + name +
		"/actions/workflows/" + strconv.FormatInt(workflowID, 10) + "/dispatches"
	return c.http.PostJSON(ctx, "github", endpoint, c.headers(), body, nil)
}
