// Package recon serves the network reconnaissance tools: a bounded TCP
// connect scan over a fixed common-port list, DNS record lookups, and
// TLS certificate inspection. Everything here observes; nothing mutates.
package recon

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/tools"
)

// Service holds the recon tool implementations.
type Service struct {
	logger  *slog.Logger
	scanner *scanner
}

// New builds the recon service.
func New(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:  logger.With("component", "recon"),
		scanner: newScanner(),
	}
}

// Register adds the recon tools to reg.
func (s *Service) Register(reg *tools.Registry) {
	reg.MustRegister(tools.Spec{
		Name:        "port_scan",
		Description: "TCP connect scan of the common service ports on a host",
		Args: []tools.Arg{
			{Name: "host", Type: tools.TypeString, Description: "Hostname or IP address", Required: true},
			{Name: "ports", Type: tools.TypeArray, Items: tools.TypeInteger, Description: "Ports to probe instead of the default list"},
			{Name: "timeout_ms", Type: tools.TypeInteger, Description: "Per-port connect timeout", Default: 500},
			{Name: "concurrency", Type: tools.TypeInteger, Description: "Concurrent probes", Default: 16},
		},
		ReadOnly: true,
		Timeout:  20 * time.Second,
		Handler:  s.portScan,
	})
	reg.MustRegister(tools.Spec{
		Name:        "dns_lookup",
		Description: "Resolve A, AAAA, CNAME, MX, NS, and TXT records for a host",
		Args: []tools.Arg{
			{Name: "host", Type: tools.TypeString, Description: "Hostname to resolve", Required: true},
		},
		ReadOnly: true,
		Handler:  s.dnsLookup,
	})
	reg.MustRegister(tools.Spec{
		Name:        "tls_inspect",
		Description: "Connect with TLS and report certificate, protocol, and expiry details",
		Args: []tools.Arg{
			{Name: "host", Type: tools.TypeString, Description: "Hostname or IP address", Required: true},
			{Name: "port", Type: tools.TypeInteger, Description: "TLS port", Default: 443},
			{Name: "server_name", Type: tools.TypeString, Description: "SNI name when it differs from host"},
		},
		ReadOnly: true,
		Handler:  s.tlsInspect,
	})
}

func hostArg(args map[string]any) (string, error) {
	host := tools.String(args, "host")
	if host == "" {
		return "", fault.Validationf("host is required")
	}
	if strings.ContainsAny(host, "/ ") {
		return "", fault.Validationf("host %q must be a bare hostname or IP", host)
	}
	return host, nil
}

func (s *Service) portScan(ctx context.Context, args map[string]any) (any, error) {
	host, err := hostArg(args)
	if err != nil {
		return nil, err
	}

	ports := tools.IntSlice(args, "ports")
	if len(ports) == 0 {
		ports = defaultPorts()
	}
	if len(ports) > maxScanPorts {
		return nil, fault.Validationf("at most %d ports per scan, got %d", maxScanPorts, len(ports))
	}
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return nil, fault.Validationf("port %d out of range", p)
		}
	}

	timeout := time.Duration(clampInt(tools.Int(args, "timeout_ms"), 50, 5000)) * time.Millisecond
	concurrency := clampInt(tools.Int(args, "concurrency"), 1, 64)

	result := s.scanner.scan(ctx, host, ports, timeout, concurrency)
	s.logger.Debug("port scan finished", "host", host, "open", result.OpenCount, "scanned", result.Scanned)
	return result, nil
}

// DNSResult is the dns_lookup tool output. Record lists are sorted so
// identical zones produce identical results.
type DNSResult struct {
	Host     string   `json:"host"`
	A        []string `json:"a,omitempty"`
	AAAA     []string `json:"aaaa,omitempty"`
	CNAME    string   `json:"cname,omitempty"`
	MX       []string `json:"mx,omitempty"`
	NS       []string `json:"ns,omitempty"`
	TXT      []string `json:"txt,omitempty"`
	Resolved bool     `json:"resolved"`
}

func (s *Service) dnsLookup(ctx context.Context, args map[string]any) (any, error) {
	host, err := hostArg(args)
	if err != nil {
		return nil, err
	}

	result := &DNSResult{Host: host}
	resolver := s.scanner.resolver

	if addrs, err := resolver.LookupIPAddr(ctx, host); err == nil {
		for _, addr := range addrs {
			if v4 := addr.IP.To4(); v4 != nil {
				result.A = append(result.A, v4.String())
			} else {
				result.AAAA = append(result.AAAA, addr.IP.String())
			}
		}
	}
	if cname, err := resolver.LookupCNAME(ctx, host); err == nil {
		trimmed := strings.TrimSuffix(cname, ".")
		if !strings.EqualFold(trimmed, host) {
			result.CNAME = trimmed
		}
	}
	if records, err := resolver.LookupMX(ctx, host); err == nil {
		for _, mx := range records {
			result.MX = append(result.MX, strings.TrimSuffix(mx.Host, "."))
		}
	}
	if records, err := resolver.LookupNS(ctx, host); err == nil {
		for _, ns := range records {
			result.NS = append(result.NS, strings.TrimSuffix(ns.Host, "."))
		}
	}
	if records, err := resolver.LookupTXT(ctx, host); err == nil {
		result.TXT = append(result.TXT, records...)
	}

	sort.Strings(result.A)
	sort.Strings(result.AAAA)
	sort.Strings(result.MX)
	sort.Strings(result.NS)
	sort.Strings(result.TXT)
	result.Resolved = len(result.A) > 0 || len(result.AAAA) > 0
	return result, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
