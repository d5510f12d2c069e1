package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCrt  = "ca.crt"
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// DefaultValidity is the lifetime of auto generated certificates.
const DefaultValidity = 5 * 365 * 24 * time.Hour

var ErrNoCertificate = errors.New("tls enabled but neither cert_file/key_file nor dir is set")

// Options configures HTTPS for the daemon API.
type Options struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	// Dir holds tls.crt, tls.key and ca.crt; used when CertFile/KeyFile are empty.
	Dir          string
	AutoGenerate bool
	// Hosts are the DNS names and IPs put in a generated certificate.
	Hosts      []string
	MinVersion string
}

// parseVersion maps "1.2"/"1.3" to the crypto/tls constants; default 1.3.
func parseVersion(ver string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(ver), "tls") {
	case "", "default", "1.3":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported tls version %q", ver)
}

// Setup returns the server TLS config, or nil when TLS is disabled.
// Certificates are re-read on every handshake so they can be rotated in place.
func Setup(o Options) (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(o.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := o.CertFile, o.KeyFile
	if certPath == "" || keyPath == "" {
		if o.Dir == "" {
			return nil, ErrNoCertificate
		}
		certPath, keyPath = filepath.Join(o.Dir, tlsCrt), filepath.Join(o.Dir, tlsKey)
		if o.AutoGenerate && !exists(certPath, keyPath) {
			if err := GenerateSelfSigned(o.Dir, o.Hosts, DefaultValidity); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// Fail at startup rather than on the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, err
	}
	return &tls.Config{
		GetCertificate: certLoader(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// ClientConfig trusts the PEM bundle at caFile in addition to the system pool.
func ClientConfig(caFile string, insecure bool) (*tls.Config, error) {
	// #nosec G402 insecure is an explicit opt-in for self-signed daemons
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, err
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%s: no certificates found", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func certLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
