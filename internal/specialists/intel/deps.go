package intel

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/tools"
)

// manifestOrder is the auto-detection order for dependency_scan.
var manifestOrder = []string{"go.mod", "requirements.txt", "package.json"}

// osvBatchLimit chunks querybatch requests below the OSV API cap.
const osvBatchLimit = 500

// Package is one pinned dependency parsed from a manifest.
type Package struct {
	Ecosystem string `json:"ecosystem"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// VulnerablePackage is one package with OSV findings.
type VulnerablePackage struct {
	Package string   `json:"package"`
	Version string   `json:"version"`
	Vulns   []string `json:"vulns"`
}

// DependencyScanResult is the dependency_scan tool output.
type DependencyScanResult struct {
	Repo               string              `json:"repo"`
	Manifest           string              `json:"manifest"`
	Ecosystem          string              `json:"ecosystem"`
	PackagesScanned    int                 `json:"packages_scanned"`
	Vulnerable         []VulnerablePackage `json:"vulnerable"`
	VulnerabilityCount int                 `json:"vulnerability_count"`
}

func (s *Service) dependencyScan(ctx context.Context, args map[string]any) (any, error) {
	owner, name, err := repoArg(args)
	if err != nil {
		return nil, err
	}

	candidates := manifestOrder
	if chosen := tools.String(args, "manifest"); chosen != "" {
		candidates = []string{chosen}
	}

	var manifest, content string
	for _, candidate := range candidates {
		content, err = s.fetchFile(ctx, owner, name, candidate)
		if err == nil {
			manifest = candidate
			break
		}
		if u, ok := fault.IsUpstream(err); ok && u.Status == 404 {
			continue
		}
		return nil, err
	}
	if manifest == "" {
		return nil, fmt.Errorf("no dependency manifest found in %s/%s (tried %s)",
			owner, name, strings.Join(candidates, ", "))
	}

	packages := parseManifest(manifest, content)
	result := &DependencyScanResult{
		Repo:            owner + "/" + name,
		Manifest:        manifest,
		PackagesScanned: len(packages),
		Vulnerable:      []VulnerablePackage{},
	}
	if len(packages) > 0 {
		result.Ecosystem = packages[0].Ecosystem
	}
	if len(packages) == 0 {
		return result, nil
	}

	findings, err := s.queryOSV(ctx, packages)
	if err != nil {
		return nil, err
	}
	for i, pkg := range packages {
		if len(findings[i]) == 0 {
			continue
		}
		result.Vulnerable = append(result.Vulnerable, VulnerablePackage{
			Package: pkg.Name,
			Version: pkg.Version,
			Vulns:   findings[i],
		})
		result.VulnerabilityCount += len(findings[i])
	}

	s.logger.Debug("dependency scan finished",
		"repo", result.Repo, "manifest", manifest,
		"packages", result.PackagesScanned, "vulnerabilities", result.VulnerabilityCount)
	return result, nil
}

type contentsResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// fetchFile reads a repository file through the contents API, which
// serves the body base64-encoded inside JSON.
func (s *Service) fetchFile(ctx context.Context, owner, name, path string) (string, error) {
	var resp contentsResponse
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		strings.TrimRight(s.cfg.GitHubBaseURL, "/"),
		url.PathEscape(owner), url.PathEscape(name), url.PathEscape(path))
	if err := s.client.GetJSON(ctx, "github-contents", endpoint, s.githubHeaders(), &resp); err != nil {
		return "", err
	}
	if resp.Encoding != "base64" {
		return resp.Content, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode %s content: %w", path, err)
	}
	return string(decoded), nil
}

func parseManifest(manifest, content string) []Package {
	switch manifest {
	case "go.mod":
		return parseGoMod(content)
	case "requirements.txt":
		return parseRequirements(content)
	case "package.json":
		return parsePackageJSON(content)
	}
	return nil
}

// parseGoMod extracts required modules. OSV indexes Go versions without
// the leading v.
func parseGoMod(content string) []Package {
	var out []Package
	inBlock := false

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "//"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		switch {
		case line == "require (":
			inBlock = true
			continue
		case inBlock && line == ")":
			inBlock = false
			continue
		}

		fields := strings.Fields(line)
		if inBlock && len(fields) == 2 {
			out = appendGoRequire(out, fields[0], fields[1])
		}
		if !inBlock && len(fields) == 3 && fields[0] == "require" {
			out = appendGoRequire(out, fields[1], fields[2])
		}
	}
	return out
}

func appendGoRequire(out []Package, module, version string) []Package {
	if !strings.HasPrefix(version, "v") {
		return out
	}
	return append(out, Package{
		Ecosystem: "Go",
		Name:      module,
		Version:   strings.TrimPrefix(version, "v"),
	})
}

// parseRequirements keeps only exact pins (name==version); ranges need
// a resolver and are skipped.
func parseRequirements(content string) []Package {
	var out []Package
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		name, version, found := strings.Cut(line, "==")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		if i := strings.Index(name, "["); i >= 0 {
			name = name[:i]
		}
		version = strings.TrimSpace(version)
		if name == "" || version == "" {
			continue
		}
		out = append(out, Package{Ecosystem: "PyPI", Name: name, Version: version})
	}
	return out
}

var npmExactVersion = regexp.MustCompile(`^\d+\.\d+(\.\d+)?`)

// parsePackageJSON reads the runtime dependencies map. Caret and tilde
// prefixes are stripped; wildcard ranges are skipped.
func parsePackageJSON(content string) []Package {
	var manifest struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal([]byte(content), &manifest); err != nil {
		return nil
	}

	names := make([]string, 0, len(manifest.Dependencies))
	for name := range manifest.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Package
	for _, name := range names {
		version := strings.TrimLeft(manifest.Dependencies[name], "^~=v")
		if m := npmExactVersion.FindString(version); m != "" {
			out = append(out, Package{Ecosystem: "npm", Name: name, Version: m})
		}
	}
	return out
}

type osvQuery struct {
	Package struct {
		Name      string `json:"name"`
		Ecosystem string `json:"ecosystem"`
	} `json:"package"`
	Version string `json:"version"`
}

type osvBatchResponse struct {
	Results []struct {
		Vulns []struct {
			ID string `json:"id"`
		} `json:"vulns"`
	} `json:"results"`
}

// queryOSV returns, for each package, the OSV ids affecting it, in the
// packages' order.
func (s *Service) queryOSV(ctx context.Context, packages []Package) ([][]string, error) {
	findings := make([][]string, len(packages))
	endpoint := strings.TrimRight(s.cfg.OSVBaseURL, "/") + "/v1/querybatch"

	for start := 0; start < len(packages); start += osvBatchLimit {
		end := start + osvBatchLimit
		if end > len(packages) {
			end = len(packages)
		}
		chunk := packages[start:end]

		queries := make([]osvQuery, len(chunk))
		for i, pkg := range chunk {
			queries[i].Package.Name = pkg.Name
			queries[i].Package.Ecosystem = pkg.Ecosystem
			queries[i].Version = pkg.Version
		}

		var resp osvBatchResponse
		body := map[string]any{"queries": queries}
		if err := s.client.PostJSON(ctx, "osv", endpoint, nil, body, &resp); err != nil {
			return nil, err
		}
		if len(resp.Results) != len(chunk) {
			return nil, fmt.Errorf("osv: %d results for %d queries", len(resp.Results), len(chunk))
		}
		for i, res := range resp.Results {
			for _, v := range res.Vulns {
				findings[start+i] = append(findings[start+i], v.ID)
			}
		}
	}
	return findings, nil
}
