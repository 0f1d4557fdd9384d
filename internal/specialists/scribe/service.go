// Package scribe writes session artifacts out as Markdown reports and
// lists what it has written. generate_report mutates the filesystem but
// is not destructive, so it needs no approval token; it is never cached.
package scribe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/tools"
)

// Service holds the scribe tool implementations.
type Service struct {
	dir    string
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

// New builds the scribe service writing under cfg.Dir.
func New(cfg config.ReportsConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		dir:    cfg.Dir,
		logger: logger.With("component", "scribe"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Register adds the scribe tools to reg.
func (s *Service) Register(reg *tools.Registry) {
	reg.MustRegister(tools.Spec{
		Name:        "generate_report",
		Description: "Render session artifacts into a Markdown report on disk",
		Args: []tools.Arg{
			{Name: "title", Type: tools.TypeString, Description: "Report title", Default: "Security Report"},
			{Name: "summary", Type: tools.TypeString, Description: "Session summary placed before the artifacts"},
			{Name: "artifacts", Type: tools.TypeArray, Items: tools.TypeObject, Description: "Session artifacts to render"},
		},
		Handler: s.generateReport,
	})
	reg.MustRegister(tools.Spec{
		Name:        "list_reports",
		Description: "List generated reports, newest first",
		Args: []tools.Arg{
			{Name: "limit", Type: tools.TypeInteger, Description: "Maximum reports to return", Default: 20},
		},
		ReadOnly: true,
		// A fresh report must show up in the very next call.
		CacheTTL: -1,
		Handler:  s.listReports,
	})
}

// ReportResult is the generate_report tool output.
type ReportResult struct {
	Path          string `json:"path"`
	File          string `json:"file"`
	Bytes         int    `json:"bytes"`
	ArtifactCount int    `json:"artifact_count"`
	Title         string `json:"title"`
}

func (s *Service) generateReport(ctx context.Context, args map[string]any) (any, error) {
	title := tools.String(args, "title")
	if title == "" {
		title = "Security Report"
	}
	artifacts, _ := args["artifacts"].([]any)

	now := s.now().UTC()
	content := renderMarkdown(title, tools.String(args, "summary"), artifacts, now)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}
	file := fmt.Sprintf("report-%s-%s.md", now.Format("20060102-150405"), shortID(s.newID()))
	path := filepath.Join(s.dir, file)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	s.logger.Info("report written", "file", file, "bytes", len(content), "artifacts", len(artifacts))
	return &ReportResult{
		Path:          path,
		File:          file,
		Bytes:         len(content),
		ArtifactCount: len(artifacts),
		Title:         title,
	}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ReportFile is one entry in the list_reports output.
type ReportFile struct {
	File       string `json:"file"`
	Path       string `json:"path"`
	Bytes      int64  `json:"bytes"`
	ModifiedAt string `json:"modified_at"`
}

// ReportList is the list_reports tool output.
type ReportList struct {
	Dir     string       `json:"dir"`
	Reports []ReportFile `json:"reports"`
	Count   int          `json:"count"`
}

func (s *Service) listReports(ctx context.Context, args map[string]any) (any, error) {
	limit := tools.Int(args, "limit")
	if limit < 1 {
		limit = 20
	}

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		// Nothing written yet.
		return &ReportList{Dir: s.dir, Reports: []ReportFile{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reports dir: %w", err)
	}

	reports := make([]ReportFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		reports = append(reports, ReportFile{
			File:       entry.Name(),
			Path:       filepath.Join(s.dir, entry.Name()),
			Bytes:      info.Size(),
			ModifiedAt: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].ModifiedAt != reports[j].ModifiedAt {
			return reports[i].ModifiedAt > reports[j].ModifiedAt
		}
		return reports[i].File > reports[j].File
	})
	if len(reports) > limit {
		reports = reports[:limit]
	}
	return &ReportList{Dir: s.dir, Reports: reports, Count: len(reports)}, nil
}
