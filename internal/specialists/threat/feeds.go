package threat

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
)

// CVSSResult is the cvss_lookup tool output.
type CVSSResult struct {
	CVE          string  `json:"cve"`
	BaseScore    float64 `json:"base_score"`
	Severity     string  `json:"severity"`
	Vector       string  `json:"vector,omitempty"`
	CVSSVersion  string  `json:"cvss_version,omitempty"`
	Description  string  `json:"description,omitempty"`
	Published    string  `json:"published,omitempty"`
	LastModified string  `json:"last_modified,omitempty"`
}

type nvdMetric struct {
	CVSSData struct {
		Version      string  `json:"version"`
		VectorString string  `json:"vectorString"`
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
}

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID           string `json:"id"`
			Published    string `json:"published"`
			LastModified string `json:"lastModified"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Metrics struct {
				V31 []nvdMetric `json:"cvssMetricV31"`
				V30 []nvdMetric `json:"cvssMetricV30"`
				V2  []nvdMetric `json:"cvssMetricV2"`
			} `json:"metrics"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

func (s *Service) fetchCVSS(ctx context.Context, cve string) (*CVSSResult, error) {
	var resp nvdResponse
	endpoint := s.cfg.NVDBaseURL + "?cveId=" + url.QueryEscape(cve)
	if err := s.client.GetJSON(ctx, "nvd", endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vulnerabilities) == 0 {
		return nil, fmt.Errorf("%s is not in the NVD feed", cve)
	}

	record := resp.Vulnerabilities[0].CVE
	result := &CVSSResult{
		CVE:          cve,
		Published:    record.Published,
		LastModified: record.LastModified,
	}
	for _, d := range record.Descriptions {
		if d.Lang == "en" {
			result.Description = d.Value
			break
		}
	}

	metrics := record.Metrics.V31
	if len(metrics) == 0 {
		metrics = record.Metrics.V30
	}
	if len(metrics) == 0 {
		metrics = record.Metrics.V2
	}
	if len(metrics) > 0 {
		data := metrics[0].CVSSData
		result.BaseScore = data.BaseScore
		result.Vector = data.VectorString
		result.CVSSVersion = data.Version
		result.Severity = data.BaseSeverity
	}
	if result.Severity == "" {
		result.Severity = severityFromScore(result.BaseScore)
	}
	return result, nil
}

// EPSSResult is the epss_score tool output. Found is false when FIRST
// has no record for the CVE; the zero score then means "unknown", which
// the risk engine treats the same as "unlikely".
type EPSSResult struct {
	CVE        string  `json:"cve"`
	Score      float64 `json:"epss"`
	Percentile float64 `json:"percentile"`
	Date       string  `json:"date,omitempty"`
	Found      bool    `json:"found"`
}

type epssResponse struct {
	Data []struct {
		CVE        string `json:"cve"`
		EPSS       string `json:"epss"`
		Percentile string `json:"percentile"`
		Date       string `json:"date"`
	} `json:"data"`
}

func (s *Service) fetchEPSS(ctx context.Context, cve string) (*EPSSResult, error) {
	var resp epssResponse
	endpoint := s.cfg.EPSSBaseURL + "?cve=" + url.QueryEscape(cve)
	if err := s.client.GetJSON(ctx, "epss", endpoint, nil, &resp); err != nil {
		return nil, err
	}
	result := &EPSSResult{CVE: cve}
	if len(resp.Data) == 0 {
		return result, nil
	}
	// FIRST serves the numbers as strings.
	entry := resp.Data[0]
	result.Found = true
	result.Date = entry.Date
	if f, err := strconv.ParseFloat(entry.EPSS, 64); err == nil {
		result.Score = f
	}
	if f, err := strconv.ParseFloat(entry.Percentile, 64); err == nil {
		result.Percentile = f
	}
	return result, nil
}

// KEVResult is the kev_check tool output.
type KEVResult struct {
	CVE               string `json:"cve"`
	Listed            bool   `json:"listed"`
	CatalogVersion    string `json:"catalog_version,omitempty"`
	VulnerabilityName string `json:"vulnerability_name,omitempty"`
	VendorProject     string `json:"vendor_project,omitempty"`
	Product           string `json:"product,omitempty"`
	DateAdded         string `json:"date_added,omitempty"`
	DueDate           string `json:"due_date,omitempty"`
	RansomwareUse     string `json:"ransomware_use,omitempty"`
}

type kevEntry struct {
	CVEID             string `json:"cveID"`
	VendorProject     string `json:"vendorProject"`
	Product           string `json:"product"`
	VulnerabilityName string `json:"vulnerabilityName"`
	DateAdded         string `json:"dateAdded"`
	ShortDescription  string `json:"shortDescription"`
	RequiredAction    string `json:"requiredAction"`
	DueDate           string `json:"dueDate"`
	KnownRansomware   string `json:"knownRansomwareCampaignUse"`
}

type kevCatalog struct {
	CatalogVersion  string     `json:"catalogVersion"`
	DateReleased    string     `json:"dateReleased"`
	Count           int        `json:"count"`
	Vulnerabilities []kevEntry `json:"vulnerabilities"`
}

// kevCache holds the downloaded catalog. The catalog is a single ~2MB
// document, so it is kept whole and swapped atomically on refresh.
type kevCache struct {
	mu      sync.RWMutex
	loaded  bool
	version string
	entries map[string]kevEntry
}

func (s *Service) refreshKEV(ctx context.Context) error {
	var catalog kevCatalog
	if err := s.client.GetJSON(ctx, "kev", s.cfg.KEVCatalogURL, nil, &catalog); err != nil {
		return err
	}
	entries := make(map[string]kevEntry, len(catalog.Vulnerabilities))
	for _, v := range catalog.Vulnerabilities {
		entries[v.CVEID] = v
	}

	s.kev.mu.Lock()
	s.kev.loaded = true
	s.kev.version = catalog.CatalogVersion
	s.kev.entries = entries
	s.kev.mu.Unlock()

	s.logger.Info("kev catalog loaded", "entries", len(entries), "version", catalog.CatalogVersion)
	return nil
}

func (s *Service) checkKEV(ctx context.Context, cve string) (*KEVResult, error) {
	s.kev.mu.RLock()
	loaded := s.kev.loaded
	s.kev.mu.RUnlock()
	if !loaded {
		if err := s.refreshKEV(ctx); err != nil {
			return nil, err
		}
	}

	s.kev.mu.RLock()
	entry, listed := s.kev.entries[cve]
	version := s.kev.version
	s.kev.mu.RUnlock()

	result := &KEVResult{CVE: cve, Listed: listed, CatalogVersion: version}
	if listed {
		result.VulnerabilityName = entry.VulnerabilityName
		result.VendorProject = entry.VendorProject
		result.Product = entry.Product
		result.DateAdded = entry.DateAdded
		result.DueDate = entry.DueDate
		result.RansomwareUse = entry.KnownRansomware
	}
	return result, nil
}

// ExploitResult is the exploit_check tool output.
type ExploitResult struct {
	CVE        string   `json:"cve"`
	Count      int      `json:"exploit_count"`
	References []string `json:"references,omitempty"`
	Note       string   `json:"note,omitempty"`
}

type exploitResponse struct {
	Pocs []struct {
		Name    string `json:"name"`
		HTMLURL string `json:"html_url"`
	} `json:"pocs"`
}

func (s *Service) fetchExploits(ctx context.Context, cve string) (*ExploitResult, error) {
	if s.cfg.ExploitIndexURL == "" {
		return &ExploitResult{CVE: cve, Note: "exploit index not configured"}, nil
	}
	var resp exploitResponse
	endpoint := s.cfg.ExploitIndexURL + "?cve_id=" + url.QueryEscape(cve)
	if err := s.client.GetJSON(ctx, "exploit-index", endpoint, nil, &resp); err != nil {
		return nil, err
	}
	result := &ExploitResult{CVE: cve, Count: len(resp.Pocs)}
	for _, p := range resp.Pocs {
		if len(result.References) == 5 {
			break
		}
		if p.HTMLURL != "" {
			result.References = append(result.References, p.HTMLURL)
		}
	}
	return result, nil
}

func severityFromScore(score float64) string {
	switch {
	case score >= 9:
		return "CRITICAL"
	case score >= 7:
		return "HIGH"
	case score >= 4:
		return "MEDIUM"
	case score > 0:
		return "LOW"
	default:
		return "NONE"
	}
}
