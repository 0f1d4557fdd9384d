package recon

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"time"

	"github.com/Log-LogN/warden/internal/tools"
)

// TLSResult is the tls_inspect tool output.
type TLSResult struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Version         string   `json:"version"`
	CipherSuite     string   `json:"cipher_suite"`
	Subject         string   `json:"subject"`
	Issuer          string   `json:"issuer"`
	DNSNames        []string `json:"dns_names,omitempty"`
	NotBefore       string   `json:"not_before"`
	NotAfter        string   `json:"not_after"`
	DaysUntilExpiry int      `json:"days_until_expiry"`
	Expired         bool     `json:"expired"`
	SelfSigned      bool     `json:"self_signed"`
	Verified        bool     `json:"verified"`
	VerifyError     string   `json:"verify_error,omitempty"`
}

func (s *Service) tlsInspect(ctx context.Context, args map[string]any) (any, error) {
	host, err := hostArg(args)
	if err != nil {
		return nil, err
	}
	port := clampInt(tools.Int(args, "port"), 1, 65535)
	serverName := tools.String(args, "server_name")
	if serverName == "" {
		serverName = host
	}

	// Verification is part of the report, not a precondition, so the
	// handshake itself must accept any chain.
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 10 * time.Second},
		Config: &tls.Config{
			InsecureSkipVerify: true, // #nosec G402 -- chain validity is reported in the result
			ServerName:         serverName,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	result := &TLSResult{
		Host:        host,
		Port:        port,
		Version:     tls.VersionName(state.Version),
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
	}
	if len(state.PeerCertificates) == 0 {
		return result, nil
	}

	leaf := state.PeerCertificates[0]
	now := time.Now().UTC()
	result.Subject = leaf.Subject.String()
	result.Issuer = leaf.Issuer.String()
	result.DNSNames = leaf.DNSNames
	result.NotBefore = leaf.NotBefore.UTC().Format(time.RFC3339)
	result.NotAfter = leaf.NotAfter.UTC().Format(time.RFC3339)
	result.DaysUntilExpiry = int(leaf.NotAfter.Sub(now).Hours() / 24)
	result.Expired = now.After(leaf.NotAfter)
	result.SelfSigned = bytes.Equal(leaf.RawIssuer, leaf.RawSubject)

	intermediates := x509.NewCertPool()
	for _, cert := range state.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}
	_, verifyErr := leaf.Verify(x509.VerifyOptions{
		DNSName:       serverName,
		Intermediates: intermediates,
		CurrentTime:   now,
	})
	if verifyErr != nil {
		result.VerifyError = verifyErr.Error()
	} else {
		result.Verified = true
	}
	return result, nil
}
