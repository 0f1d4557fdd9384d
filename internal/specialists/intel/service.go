// Package intel serves the software-supply-chain tools: GitHub security
// advisory lookups and dependency scans that fetch a repository manifest
// and query the OSV batch API.
package intel

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/tools"
	"github.com/Log-LogN/warden/internal/upstream"
)

// Service holds the intel tool implementations.
type Service struct {
	client *upstream.Client
	cfg    config.UpstreamsConfig
	logger *slog.Logger
}

// New builds the intel service.
func New(cfg config.UpstreamsConfig, client *upstream.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "intel"),
	}
}

// Register adds the intel tools to reg.
func (s *Service) Register(reg *tools.Registry) {
	reg.MustRegister(tools.Spec{
		Name:        "ghsa_advisory",
		Description: "Fetch a GitHub security advisory by GHSA id",
		Args: []tools.Arg{
			{Name: "ghsa", Type: tools.TypeString, Description: "Advisory id, e.g. GHSA-jfh8-c2jp-5v3q", Required: true},
		},
		ReadOnly: true,
		Handler:  s.ghsaAdvisory,
	})
	reg.MustRegister(tools.Spec{
		Name:        "dependency_scan",
		Description: "Fetch a repository dependency manifest and check every pinned package against OSV",
		Args: []tools.Arg{
			{Name: "repo", Type: tools.TypeString, Description: "GitHub repository as owner/name", Required: true},
			{Name: "manifest", Type: tools.TypeString, Description: "Manifest to scan instead of auto-detection",
				Enum: []any{"go.mod", "requirements.txt", "package.json"}},
		},
		ReadOnly: true,
		Handler:  s.dependencyScan,
	})
}

var ghsaPattern = regexp.MustCompile(`^GHSA(-[a-z0-9]{4}){3}$`)

func ghsaArg(args map[string]any) (string, error) {
	raw := tools.String(args, "ghsa")
	ghsa := strings.ToLower(raw)
	if strings.HasPrefix(ghsa, "ghsa-") {
		ghsa = "GHSA" + ghsa[4:]
	}
	if !ghsaPattern.MatchString(ghsa) {
		return "", fault.Validationf("invalid GHSA identifier %q", raw)
	}
	return ghsa, nil
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

func (s *Service) githubHeaders() map[string]string {
	headers := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if s.cfg.GitHubToken != "" {
		headers["Authorization"] = "Bearer " + s.cfg.GitHubToken
	}
	return headers
}

// AffectedPackage is one vulnerable package range in an advisory.
type AffectedPackage struct {
	Ecosystem string `json:"ecosystem"`
	Package   string `json:"package"`
	Range     string `json:"range,omitempty"`
	Patched   string `json:"patched,omitempty"`
}

// AdvisoryResult is the ghsa_advisory tool output.
type AdvisoryResult struct {
	GHSA        string            `json:"ghsa"`
	CVE         string            `json:"cve,omitempty"`
	Summary     string            `json:"summary"`
	Severity    string            `json:"severity"`
	CVSSScore   float64           `json:"cvss_score,omitempty"`
	CVSSVector  string            `json:"cvss_vector,omitempty"`
	Affected    []AffectedPackage `json:"affected,omitempty"`
	PublishedAt string            `json:"published_at,omitempty"`
	UpdatedAt   string            `json:"updated_at,omitempty"`
	References  []string          `json:"references,omitempty"`
}

type advisoryResponse struct {
	GHSAID   string `json:"ghsa_id"`
	CVEID    string `json:"cve_id"`
	Summary  string `json:"summary"`
	Severity string `json:"severity"`
	CVSS     struct {
		Score        float64 `json:"score"`
		VectorString string  `json:"vector_string"`
	} `json:"cvss"`
	Vulnerabilities []struct {
		Package struct {
			Ecosystem string `json:"ecosystem"`
			Name      string `json:"name"`
		} `json:"package"`
		VulnerableVersionRange string `json:"vulnerable_version_range"`
		FirstPatchedVersion    string `json:"first_patched_version"`
	} `json:"vulnerabilities"`
	PublishedAt string   `json:"published_at"`
	UpdatedAt   string   `json:"updated_at"`
	References  []string `json:"references"`
}

func (s *Service) ghsaAdvisory(ctx context.Context, args map[string]any) (any, error) {
	ghsa, err := ghsaArg(args)
	if err != nil {
		return nil, err
	}

	var resp advisoryResponse
	endpoint := fmt.Sprintf("%s/advisories/%s", strings.TrimRight(s.cfg.GitHubBaseURL, "/"), url.PathEscape(ghsa))
	if err := s.client.GetJSON(ctx, "github-advisories", endpoint, s.githubHeaders(), &resp); err != nil {
		return nil, err
	}

	result := &AdvisoryResult{
		GHSA:        ghsa,
		CVE:         resp.CVEID,
		Summary:     resp.Summary,
		Severity:    strings.ToUpper(resp.Severity),
		CVSSScore:   resp.CVSS.Score,
		CVSSVector:  resp.CVSS.VectorString,
		PublishedAt: resp.PublishedAt,
		UpdatedAt:   resp.UpdatedAt,
	}
	for _, v := range resp.Vulnerabilities {
		result.Affected = append(result.Affected, AffectedPackage{
			Ecosystem: v.Package.Ecosystem,
			Package:   v.Package.Name,
			Range:     v.VulnerableVersionRange,
			Patched:   v.FirstPatchedVersion,
		})
	}
	for _, ref := range resp.References {
		if len(result.References) == 5 {
			break
		}
		result.References = append(result.References, ref)
	}
	return result, nil
}
