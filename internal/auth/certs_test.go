package auth

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueGeneratesValidPEM(t *testing.T) {
	ci := NewCertIssuer(t.TempDir())

	certPEM, keyPEM, err := ci.Issue("node-1")
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(certPEM))
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)

	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "node-1", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "node-1")
	assert.Greater(t, cert.NotAfter, time.Now().Add(300*24*time.Hour))

	keyBlock, _ := pem.Decode([]byte(keyPEM))
	require.NotNil(t, keyBlock)
	assert.Equal(t, "EC PRIVATE KEY", keyBlock.Type)
	_, err = x509.ParseECPrivateKey(keyBlock.Bytes)
	require.NoError(t, err)
}

func TestIssueReturnsCachedMaterial(t *testing.T) {
	ci := NewCertIssuer(t.TempDir())

	first, firstKey, err := ci.Issue("node-1")
	require.NoError(t, err)
	second, secondKey, err := ci.Issue("node-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstKey, secondKey)
}

func TestIssuePerNodeMaterial(t *testing.T) {
	ci := NewCertIssuer(t.TempDir())

	a, _, err := ci.Issue("node-a")
	require.NoError(t, err)
	b, _, err := ci.Issue("node-b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestIssueRegeneratesExpiring(t *testing.T) {
	dir := t.TempDir()
	ci := NewCertIssuer(dir)

	// A garbage cached cert must not be handed out.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node-1.pem"), []byte("not a cert"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node-1.key"), []byte("not a key"), 0600))

	certPEM, _, err := ci.Issue("node-1")
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(certPEM))
	require.NotNil(t, block)
	_, err = x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
}
