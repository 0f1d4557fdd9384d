// Package threat serves the vulnerability-intelligence tools. CVSS comes
// from the NVD API, exploitation probability from the FIRST EPSS API,
// known-exploited status from the CISA KEV catalog, and public exploit
// availability from a configurable exploit index. risk_score is the local
// risk engine and never leaves the process.
package threat

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/tools"
	"github.com/Log-LogN/warden/internal/upstream"
)

// Service holds the feed clients and the cached KEV catalog.
type Service struct {
	client     *upstream.Client
	cfg        config.UpstreamsConfig
	thresholds config.ThresholdsConfig
	logger     *slog.Logger

	kev  *kevCache
	cron *cron.Cron
}

// New builds the threat service. Start begins the KEV refresh schedule;
// without it the catalog is fetched lazily on first use.
func New(cfg config.UpstreamsConfig, th config.ThresholdsConfig, client *upstream.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:     client,
		cfg:        cfg,
		thresholds: th,
		logger:     logger.With("component", "threat"),
		kev:        &kevCache{},
	}
}

// Start schedules the periodic KEV catalog refresh.
func (s *Service) Start() error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.KEVRefreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.refreshKEV(ctx); err != nil {
			s.logger.Warn("kev catalog refresh failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("kev refresh schedule %q: %w", s.cfg.KEVRefreshSchedule, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Close stops the refresh schedule.
func (s *Service) Close() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Register adds the threat tools to reg.
func (s *Service) Register(reg *tools.Registry) {
	reg.MustRegister(tools.Spec{
		Name:        "cvss_lookup",
		Description: "Look up the CVSS base score, severity, and summary of a CVE in the NVD",
		Args: []tools.Arg{
			{Name: "cve", Type: tools.TypeString, Description: "CVE identifier, e.g. CVE-2024-3094", Required: true},
		},
		ReadOnly: true,
		Handler:  s.cvssLookup,
	})
	reg.MustRegister(tools.Spec{
		Name:        "epss_score",
		Description: "Fetch the FIRST EPSS exploitation probability for a CVE",
		Args: []tools.Arg{
			{Name: "cve", Type: tools.TypeString, Description: "CVE identifier", Required: true},
		},
		ReadOnly: true,
		Handler:  s.epssScore,
	})
	reg.MustRegister(tools.Spec{
		Name:        "kev_check",
		Description: "Check whether a CVE is in the CISA Known Exploited Vulnerabilities catalog",
		Args: []tools.Arg{
			{Name: "cve", Type: tools.TypeString, Description: "CVE identifier", Required: true},
		},
		ReadOnly: true,
		Handler:  s.kevCheck,
	})
	reg.MustRegister(tools.Spec{
		Name:        "exploit_check",
		Description: "Count public proof-of-concept exploits for a CVE",
		Args: []tools.Arg{
			{Name: "cve", Type: tools.TypeString, Description: "CVE identifier", Required: true},
		},
		ReadOnly: true,
		Handler:  s.exploitCheck,
	})
	reg.MustRegister(tools.Spec{
		Name:        "risk_score",
		Description: "Combine CVSS, EPSS, KEV, exploit availability, and exposure into a 0-100 risk score",
		Args: []tools.Arg{
			{Name: "cve", Type: tools.TypeString, Description: "CVE the signals describe"},
			{Name: "cvss", Type: tools.TypeNumber, Description: "CVSS base score 0-10", Default: 0},
			{Name: "epss", Type: tools.TypeNumber, Description: "EPSS probability 0-1", Default: 0},
			{Name: "kev", Type: tools.TypeBoolean, Description: "Listed in the CISA KEV catalog", Default: false},
			{Name: "exploit_count", Type: tools.TypeInteger, Description: "Known public exploits", Default: 0},
			{Name: "open_ports", Type: tools.TypeArray, Items: tools.TypeInteger, Description: "Open ports on the affected host"},
		},
		ReadOnly: true,
		Handler:  s.riskScore,
	})
}

var cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

func cveArg(args map[string]any) (string, error) {
	cve := strings.ToUpper(tools.String(args, "cve"))
	if !cvePattern.MatchString(cve) {
		return "", fault.Validationf("invalid CVE identifier %q", tools.String(args, "cve"))
	}
	return cve, nil
}

func (s *Service) cvssLookup(ctx context.Context, args map[string]any) (any, error) {
	cve, err := cveArg(args)
	if err != nil {
		return nil, err
	}
	return s.fetchCVSS(ctx, cve)
}

func (s *Service) epssScore(ctx context.Context, args map[string]any) (any, error) {
	cve, err := cveArg(args)
	if err != nil {
		return nil, err
	}
	return s.fetchEPSS(ctx, cve)
}

func (s *Service) kevCheck(ctx context.Context, args map[string]any) (any, error) {
	cve, err := cveArg(args)
	if err != nil {
		return nil, err
	}
	return s.checkKEV(ctx, cve)
}

func (s *Service) exploitCheck(ctx context.Context, args map[string]any) (any, error) {
	cve, err := cveArg(args)
	if err != nil {
		return nil, err
	}
	return s.fetchExploits(ctx, cve)
}

func (s *Service) riskScore(ctx context.Context, args map[string]any) (any, error) {
	in := Inputs{
		CVSS:         tools.Float(args, "cvss"),
		EPSS:         tools.Float(args, "epss"),
		KEV:          tools.Bool(args, "kev"),
		ExploitCount: tools.Int(args, "exploit_count"),
		OpenPorts:    tools.IntSlice(args, "open_ports"),
	}
	verdict := Score(in, s.thresholds)
	return RiskResult{
		CVE:     strings.ToUpper(tools.String(args, "cve")),
		Verdict: verdict,
		Inputs:  in,
	}, nil
}

// RiskResult is the risk_score tool output.
type RiskResult struct {
	CVE string `json:"cve,omitempty"`
	Verdict
	Inputs Inputs `json:"inputs"`
}
