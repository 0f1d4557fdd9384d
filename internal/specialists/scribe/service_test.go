package scribe

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/tools"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(config.ReportsConfig{Dir: t.TempDir()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time {
		return time.Date(2025, 8, 20, 9, 15, 2, 0, time.UTC)
	}
	s.newID = func() string {
		return "3f2a9c1d-8e47-4b11-9a02-6d5f00aa21cc"
	}
	return s
}

func TestGenerateReport(t *testing.T) {
	s := newTestService(t)

	args := map[string]any{
		"title":   "Incident Review",
		"summary": "Two findings from session sess-1.",
		"artifacts": []any{
			map[string]any{
				"type":       "risk",
				"created_at": "2025-08-20T09:10:00Z",
				"payload":    map[string]any{"cve": "CVE-2021-44228", "score": float64(96), "severity": "HIGH"},
			},
			map[string]any{
				"type":    "advisory",
				"payload": map[string]any{"ghsa": "GHSA-jfh8-c2jp-5v3q", "severity": "CRITICAL"},
			},
		},
	}
	out, err := s.generateReport(context.Background(), args)
	if err != nil {
		t.Fatalf("generateReport: %v", err)
	}
	got := out.(*ReportResult)

	if got.File != "report-20250820-091502-3f2a9c1d.md" {
		t.Errorf("File = %q", got.File)
	}
	if got.ArtifactCount != 2 || got.Title != "Incident Review" {
		t.Errorf("result = %+v", got)
	}

	body, err := os.ReadFile(got.Path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if len(body) != got.Bytes {
		t.Errorf("Bytes = %d, file has %d", got.Bytes, len(body))
	}
	if !utf8.Valid(body) {
		t.Error("report is not valid UTF-8")
	}
	text := string(body)
	for _, want := range []string{
		"# Incident Review",
		"Generated: 2025-08-20T09:15:02Z",
		"## Summary",
		"Two findings from session sess-1.",
		"## Artifacts (2)",
		"### 1. risk (2025-08-20T09:10:00Z)",
		`"cve": "CVE-2021-44228"`,
		"### 2. advisory",
		`"ghsa": "GHSA-jfh8-c2jp-5v3q"`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestGenerateReportDefaults(t *testing.T) {
	s := newTestService(t)

	out, err := s.generateReport(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("generateReport: %v", err)
	}
	got := out.(*ReportResult)
	if got.Title != "Security Report" || got.ArtifactCount != 0 {
		t.Errorf("result = %+v", got)
	}

	body, err := os.ReadFile(got.Path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(body), "No artifacts were recorded") {
		t.Errorf("report = %q", body)
	}
}

func TestRenderMarkdownDeterministic(t *testing.T) {
	now := time.Date(2025, 8, 20, 9, 15, 2, 0, time.UTC)
	artifacts := []any{
		map[string]any{"type": "risk", "payload": map[string]any{"b": 2, "a": 1, "c": 3}},
	}
	first := renderMarkdown("T", "s", artifacts, now)
	for i := 0; i < 20; i++ {
		if got := renderMarkdown("T", "s", artifacts, now); got != first {
			t.Fatalf("render differs on iteration %d", i)
		}
	}
}

func TestListReports(t *testing.T) {
	s := newTestService(t)

	base := time.Date(2025, 8, 20, 9, 0, 0, 0, time.UTC)
	for i, name := range []string{"report-a.md", "report-b.md", "report-c.md"} {
		path := filepath.Join(s.dir, name)
		if err := os.WriteFile(path, []byte("# r\n"), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
		stamp := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	out, err := s.listReports(context.Background(), map[string]any{"limit": float64(2)})
	if err != nil {
		t.Fatalf("listReports: %v", err)
	}
	got := out.(*ReportList)
	if got.Count != 2 {
		t.Fatalf("Count = %d, want 2", got.Count)
	}
	names := []string{got.Reports[0].File, got.Reports[1].File}
	if !reflect.DeepEqual(names, []string{"report-c.md", "report-b.md"}) {
		t.Errorf("files = %v, want newest first", names)
	}
	if got.Reports[0].Bytes != 4 {
		t.Errorf("Bytes = %d", got.Reports[0].Bytes)
	}
}

func TestListReportsMissingDir(t *testing.T) {
	s := New(config.ReportsConfig{Dir: filepath.Join(t.TempDir(), "never-created")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	out, err := s.listReports(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("listReports: %v", err)
	}
	got := out.(*ReportList)
	if got.Count != 0 || got.Reports == nil {
		t.Errorf("result = %+v, want empty non-nil list", got)
	}
}

func TestGenerateThenList(t *testing.T) {
	s := newTestService(t)

	if _, err := s.generateReport(context.Background(), map[string]any{"title": "T"}); err != nil {
		t.Fatalf("generateReport: %v", err)
	}
	out, err := s.listReports(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("listReports: %v", err)
	}
	got := out.(*ReportList)
	if got.Count != 1 || got.Reports[0].File != "report-20250820-091502-3f2a9c1d.md" {
		t.Errorf("result = %+v", got)
	}
}

func TestRegisterPublishesAllTools(t *testing.T) {
	s := newTestService(t)
	reg := tools.NewRegistry(tools.Options{Service: "scribe"})
	s.Register(reg)

	want := []string{"generate_report", "list_reports"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}
