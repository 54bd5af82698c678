package auth

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

	"kestrel.gg/kestrel/internal/brand"
)

// certTTL is how long a minted node certificate stays valid. Certificates
// within renewBefore of expiry are regenerated on the next handshake.
const (
	certTTL     = 365 * 24 * time.Hour
	renewBefore = 30 * 24 * time.Hour
)

// CertIssuer mints self-signed transport certificates for nodes during the
// control channel handshake. Certificates are cached on disk under CertDir
// so a reconnecting node receives the same material until it nears expiry.
type CertIssuer struct {
	CertDir string
}

func NewCertIssuer(certDir string) *CertIssuer {
	return &CertIssuer{CertDir: certDir}
}

// Issue returns PEM-encoded certificate and key material for the node,
// generating a fresh pair when none exists or the cached one expires soon.
func (ci *CertIssuer) Issue(nodeID string) (certPEM, keyPEM string, err error) {
	certPath := filepath.Join(ci.CertDir, nodeID+".pem")
	keyPath := filepath.Join(ci.CertDir, nodeID+".key")

	if cert, key, ok := ci.cached(certPath, keyPath); ok {
		return cert, key, nil
	}

	if err := os.MkdirAll(ci.CertDir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create cert dir: %w", err)
	}
	return ci.generate(nodeID, certPath, keyPath)
}

func (ci *CertIssuer) cached(certPath, keyPath string) (string, string, bool) {
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return "", "", false
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return "", "", false
	}

	block, _ := pem.Decode(certBytes)
	if block == nil {
		return "", "", false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", "", false
	}
	if time.Until(cert.NotAfter) < renewBefore {
		return "", "", false
	}
	return string(certBytes), string(keyBytes), true
}

func (ci *CertIssuer) generate(nodeID, certPath, keyPath string) (string, string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   nodeID,
			Organization: []string{brand.LowerName + "-nodes"},
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(certTTL),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,

		DNSNames:    []string{nodeID, "localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return "", "", fmt.Errorf("failed to write key: %w", err)
	}

	return string(certPEM), string(keyPEM), nil
}
