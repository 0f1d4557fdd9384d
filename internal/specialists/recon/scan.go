package recon

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// maxScanPorts caps a single scan request.
const maxScanPorts = 128

// serviceNames maps the default scan list to conventional service names.
var serviceNames = map[int]string{
	21: "ftp", 22: "ssh", 23: "telnet", 25: "smtp", 53: "dns",
	80: "http", 110: "pop3", 143: "imap", 443: "https", 445: "smb",
	587: "submission", 993: "imaps", 995: "pop3s", 3306: "mysql",
	3389: "rdp", 5432: "postgres", 6379: "redis", 8080: "http-alt",
	8443: "https-alt", 9200: "elasticsearch",
}

func defaultPorts() []int {
	return []int{21, 22, 23, 25, 53, 80, 110, 143, 443, 445,
		587, 993, 995, 3306, 3389, 5432, 6379, 8080, 8443, 9200}
}

// Port states. A refused connection is a definitive "closed"; timeouts
// and other errors downgrade to "unknown" rather than guessing.
const (
	StateOpen    = "open"
	StateClosed  = "closed"
	StateUnknown = "unknown"
)

// PortResult is one probed port.
type PortResult struct {
	Port    int    `json:"port"`
	State   string `json:"state"`
	Service string `json:"service,omitempty"`
}

// ScanResult is the port_scan tool output. Ports keep the request order.
type ScanResult struct {
	Host      string       `json:"host"`
	Ports     []PortResult `json:"ports"`
	OpenPorts []int        `json:"open_ports"`
	OpenCount int          `json:"open_count"`
	Scanned   int          `json:"scanned"`
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// scanner probes ports with bounded concurrency. The dial function is a
// seam for tests.
type scanner struct {
	dial     func(timeout time.Duration) dialFunc
	resolver *net.Resolver
}

func newScanner() *scanner {
	return &scanner{
		dial: func(timeout time.Duration) dialFunc {
			d := &net.Dialer{Timeout: timeout}
			return d.DialContext
		},
		resolver: net.DefaultResolver,
	}
}

func (s *scanner) scan(ctx context.Context, host string, ports []int, timeout time.Duration, concurrency int) *ScanResult {
	dial := s.dial(timeout)
	results := make([]PortResult, len(ports))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, port := range ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = probe(ctx, dial, host, port)
		}(i, port)
	}
	wg.Wait()

	result := &ScanResult{Host: host, Ports: results, Scanned: len(results), OpenPorts: []int{}}
	for _, p := range results {
		if p.State == StateOpen {
			result.OpenPorts = append(result.OpenPorts, p.Port)
			result.OpenCount++
		}
	}
	return result
}

func probe(ctx context.Context, dial dialFunc, host string, port int) PortResult {
	result := PortResult{Port: port, Service: serviceNames[port]}

	conn, err := dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err == nil {
		conn.Close()
		result.State = StateOpen
		return result
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		result.State = StateClosed
		return result
	}
	result.State = StateUnknown
	return result
}
