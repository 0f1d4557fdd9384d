package threat

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/retry"
	"github.com/Log-LogN/warden/internal/tools"
	"github.com/Log-LogN/warden/internal/upstream"
)

const nvdFixture = `{
  "vulnerabilities": [{
    "cve": {
      "id": "CVE-2024-3094",
      "published": "2024-03-29T17:15:21.150",
      "lastModified": "2024-04-25T09:15:10.000",
      "descriptions": [
        {"lang": "es", "value": "descripcion"},
        {"lang": "en", "value": "Malicious code was discovered in the upstream tarballs of xz."}
      ],
      "metrics": {
        "cvssMetricV31": [{
          "cvssData": {
            "version": "3.1",
            "vectorString": "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H",
            "baseScore": 10.0,
            "baseSeverity": "CRITICAL"
          }
        }]
      }
    }
  }]
}`

const kevFixture = `{
  "catalogVersion": "2025.08.19",
  "dateReleased": "2025-08-19T12:00:00.000Z",
  "count": 2,
  "vulnerabilities": [
    {
      "cveID": "CVE-2021-44228",
      "vendorProject": "Apache",
      "product": "Log4j2",
      "vulnerabilityName": "Apache Log4j2 Remote Code Execution Vulnerability",
      "dateAdded": "2021-12-10",
      "shortDescription": "Apache Log4j2 contains a vulnerability where JNDI features do not protect against attacker-controlled endpoints.",
      "requiredAction": "Apply updates per vendor instructions.",
      "dueDate": "2021-12-24",
      "knownRansomwareCampaignUse": "Known"
    },
    {
      "cveID": "CVE-2023-4863",
      "vendorProject": "Google",
      "product": "Chromium WebP",
      "vulnerabilityName": "Google Chromium WebP Heap Buffer Overflow Vulnerability",
      "dateAdded": "2023-09-13",
      "shortDescription": "Heap buffer overflow in WebP.",
      "requiredAction": "Apply updates per vendor instructions.",
      "dueDate": "2023-10-04",
      "knownRansomwareCampaignUse": "Unknown"
    }
  ]
}`

func newTestService(t *testing.T, mux *http.ServeMux) *Service {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.UpstreamsConfig{
		NVDBaseURL:         srv.URL + "/nvd",
		EPSSBaseURL:        srv.URL + "/epss",
		KEVCatalogURL:      srv.URL + "/kev",
		ExploitIndexURL:    srv.URL + "/exploit",
		KEVRefreshSchedule: "@every 6h",
	}
	client := upstream.New(upstream.Options{
		Timeout: 2 * time.Second,
		Policy:  retry.Policy{MaxAttempts: 1},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return New(cfg, testThresholds(), client, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCVSSLookup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nvd", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cveId"); got != "CVE-2024-3094" {
			t.Errorf("cveId = %q", got)
		}
		io.WriteString(w, nvdFixture)
	})
	s := newTestService(t, mux)

	out, err := s.cvssLookup(context.Background(), map[string]any{"cve": "cve-2024-3094"})
	if err != nil {
		t.Fatalf("cvssLookup: %v", err)
	}
	got := out.(*CVSSResult)
	if got.CVE != "CVE-2024-3094" {
		t.Errorf("CVE = %q", got.CVE)
	}
	if got.BaseScore != 10.0 || got.Severity != "CRITICAL" {
		t.Errorf("score/severity = %v/%q", got.BaseScore, got.Severity)
	}
	if got.CVSSVersion != "3.1" || !strings.HasPrefix(got.Vector, "CVSS:3.1/") {
		t.Errorf("version/vector = %q/%q", got.CVSSVersion, got.Vector)
	}
	if !strings.Contains(got.Description, "xz") {
		t.Errorf("Description = %q, want the english text", got.Description)
	}
}

func TestCVSSLookupWithoutMetrics(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nvd", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"vulnerabilities":[{"cve":{"id":"CVE-2099-0001","descriptions":[],"metrics":{}}}]}`)
	})
	s := newTestService(t, mux)

	out, err := s.cvssLookup(context.Background(), map[string]any{"cve": "CVE-2099-0001"})
	if err != nil {
		t.Fatalf("cvssLookup: %v", err)
	}
	got := out.(*CVSSResult)
	if got.BaseScore != 0 || got.Severity != "NONE" {
		t.Errorf("score/severity = %v/%q, want 0/NONE", got.BaseScore, got.Severity)
	}
}

func TestCVSSLookupUnknown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nvd", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"vulnerabilities":[]}`)
	})
	s := newTestService(t, mux)

	_, err := s.cvssLookup(context.Background(), map[string]any{"cve": "CVE-2099-9999"})
	if err == nil || !strings.Contains(err.Error(), "not in the NVD feed") {
		t.Fatalf("err = %v, want not-in-feed", err)
	}
}

func TestCVEArgValidation(t *testing.T) {
	s := newTestService(t, http.NewServeMux())
	for _, bad := range []string{"", "banana", "CVE-21-1", "GHSA-jfh8-c2jp-5v3q"} {
		_, err := s.cvssLookup(context.Background(), map[string]any{"cve": bad})
		if !fault.IsValidation(err) {
			t.Errorf("cve %q: err = %v, want validation error", bad, err)
		}
	}
}

func TestEPSSScore(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/epss", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"cve":"CVE-2021-44228","epss":"0.97455","percentile":"0.99986","date":"2025-08-20"}]}`)
	})
	s := newTestService(t, mux)

	out, err := s.epssScore(context.Background(), map[string]any{"cve": "CVE-2021-44228"})
	if err != nil {
		t.Fatalf("epssScore: %v", err)
	}
	got := out.(*EPSSResult)
	if !got.Found || got.Score != 0.97455 || got.Percentile != 0.99986 {
		t.Errorf("result = %+v", got)
	}
}

func TestEPSSScoreNoRecord(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/epss", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[]}`)
	})
	s := newTestService(t, mux)

	out, err := s.epssScore(context.Background(), map[string]any{"cve": "CVE-2099-0001"})
	if err != nil {
		t.Fatalf("epssScore: %v", err)
	}
	got := out.(*EPSSResult)
	if got.Found || got.Score != 0 {
		t.Errorf("result = %+v, want zero unfound", got)
	}
}

func TestKEVCheckCachesCatalog(t *testing.T) {
	var fetches atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/kev", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		io.WriteString(w, kevFixture)
	})
	s := newTestService(t, mux)

	out, err := s.kevCheck(context.Background(), map[string]any{"cve": "CVE-2021-44228"})
	if err != nil {
		t.Fatalf("kevCheck: %v", err)
	}
	listed := out.(*KEVResult)
	if !listed.Listed || listed.VendorProject != "Apache" || listed.DateAdded != "2021-12-10" {
		t.Errorf("listed = %+v", listed)
	}
	if listed.RansomwareUse != "Known" {
		t.Errorf("RansomwareUse = %q", listed.RansomwareUse)
	}

	out, err = s.kevCheck(context.Background(), map[string]any{"cve": "CVE-2099-0001"})
	if err != nil {
		t.Fatalf("kevCheck second: %v", err)
	}
	unlisted := out.(*KEVResult)
	if unlisted.Listed {
		t.Error("CVE-2099-0001 should not be listed")
	}
	if unlisted.CatalogVersion != "2025.08.19" {
		t.Errorf("CatalogVersion = %q", unlisted.CatalogVersion)
	}

	if got := fetches.Load(); got != 1 {
		t.Errorf("catalog fetches = %d, want 1", got)
	}
}

func TestExploitCheck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/exploit", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cve_id"); got != "CVE-2021-44228" {
			t.Errorf("cve_id = %q", got)
		}
		io.WriteString(w, `{"pocs":[
			{"name":"poc-one","html_url":"https://github.com/a/poc-one"},
			{"name":"poc-two","html_url":"https://github.com/b/poc-two"}
		]}`)
	})
	s := newTestService(t, mux)

	out, err := s.exploitCheck(context.Background(), map[string]any{"cve": "CVE-2021-44228"})
	if err != nil {
		t.Fatalf("exploitCheck: %v", err)
	}
	got := out.(*ExploitResult)
	if got.Count != 2 || len(got.References) != 2 {
		t.Errorf("result = %+v", got)
	}
}

func TestExploitCheckUnconfigured(t *testing.T) {
	s := newTestService(t, http.NewServeMux())
	s.cfg.ExploitIndexURL = ""

	out, err := s.exploitCheck(context.Background(), map[string]any{"cve": "CVE-2021-44228"})
	if err != nil {
		t.Fatalf("exploitCheck: %v", err)
	}
	got := out.(*ExploitResult)
	if got.Count != 0 || got.Note == "" {
		t.Errorf("result = %+v, want zero with note", got)
	}
}

func TestRiskScoreTool(t *testing.T) {
	s := newTestService(t, http.NewServeMux())

	out, err := s.riskScore(context.Background(), map[string]any{
		"cve":           "cve-2021-44228",
		"cvss":          9.8,
		"epss":          0.975,
		"kev":           true,
		"exploit_count": float64(12),
		"open_ports":    []any{float64(80), float64(443), float64(8080)},
	})
	if err != nil {
		t.Fatalf("riskScore: %v", err)
	}
	got := out.(RiskResult)
	if got.CVE != "CVE-2021-44228" {
		t.Errorf("CVE = %q", got.CVE)
	}
	if got.Score != 96 || got.Severity != "HIGH" {
		t.Errorf("score/severity = %d/%q", got.Score, got.Severity)
	}
	if !reflect.DeepEqual(got.Inputs.OpenPorts, []int{80, 443, 8080}) {
		t.Errorf("OpenPorts = %v", got.Inputs.OpenPorts)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := newTestService(t, http.NewServeMux())
	s.cfg.KEVRefreshSchedule = "whenever"
	if err := s.Start(); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestRegisterPublishesAllTools(t *testing.T) {
	s := newTestService(t, http.NewServeMux())
	reg := tools.NewRegistry(tools.Options{Service: "threat"})
	s.Register(reg)

	want := []string{"cvss_lookup", "epss_score", "exploit_check", "kev_check", "risk_score"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}
