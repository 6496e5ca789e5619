package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertOptions describes a self-signed server certificate.
type CertOptions struct {
	Dir         string
	CommonName  string
	DNSNames    []string
	IPAddresses []string
	ValidFor    time.Duration
}

// GenerateSelfSigned writes tls.crt, tls.key and ca.crt (a copy of the
// certificate) into o.Dir. The key file is readable by the owner only.
func GenerateSelfSigned(o CertOptions) error {
	if err := os.MkdirAll(o.Dir, 0o750); err != nil {
		return err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return err
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: o.CommonName, Organization: []string{"fleetd"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(o.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              o.DNSNames,
	}
	for _, s := range o.IPAddresses {
		if ip := net.ParseIP(s); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(filepath.Join(o.Dir, CertFile), certPEM, 0o644); err != nil { // #nosec G306 public certificate
		return err
	}
	if err := os.WriteFile(filepath.Join(o.Dir, CACertFile), certPEM, 0o644); err != nil { // #nosec G306 public certificate
		return err
	}
	return os.WriteFile(filepath.Join(o.Dir, KeyFile), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600)
}
