// Package tls builds the admin API's server TLS configuration.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentfleet/fleetd/internal/config"
)

// Files kept under TLSConfig.Dir.
const (
	CACertFile = "ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

const defaultValidityDays = 365

func parseMinVersion(v string) (uint16, error) {
	switch strings.ToLower(v) {
	case "", "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported tls min_version %q", v)
}

// Setup returns the server TLS config, or nil when TLS is disabled.
// Explicit cert/key files win over Dir; with AutoGenerate a self-signed
// pair is written to Dir when it holds none.
func Setup(c *config.TLSConfig) (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	minVer, err := parseMinVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" || keyPath == "" {
		if c.Dir == "" {
			return nil, errors.New("tls enabled but neither cert_file/key_file nor dir is set")
		}
		certPath = filepath.Join(c.Dir, CertFile)
		keyPath = filepath.Join(c.Dir, KeyFile)
		if !exists(certPath) || !exists(keyPath) {
			if !c.AutoGenerate {
				return nil, fmt.Errorf("no certificate in %s and auto_generate is off", c.Dir)
			}
			days := c.ValidityDays
			if days <= 0 {
				days = defaultValidityDays
			}
			err := GenerateSelfSigned(CertOptions{
				Dir:         c.Dir,
				CommonName:  "fleetd",
				DNSNames:    orDefault(c.DNSNames, []string{"localhost"}),
				IPAddresses: orDefault(c.IPAddresses, []string{"127.0.0.1"}),
				ValidFor:    time.Duration(days) * 24 * time.Hour,
			})
			if err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	}
	// load once up front so a broken pair fails at boot, not on first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:     minVer,
		GetCertificate: reloading(certPath, keyPath),
	}, nil
}

// reloading re-reads the pair on each handshake so rotated files are picked up.
func reloading(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
