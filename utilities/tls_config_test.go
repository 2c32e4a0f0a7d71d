package utilities

import (
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueServerCertVerifiesAgainstCA(t *testing.T) {
	ca, err := GenerateCA("h3exchange-test")
	require.NoError(t, err)
	assert.True(t, ca.Cert.IsCA)

	cert, err := ca.IssueServerCert("localhost", "127.0.0.1")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	roots := x509.NewCertPool()
	roots.AddCert(ca.Cert)
	for _, name := range []string{"localhost", "127.0.0.1"} {
		_, err := leaf.Verify(x509.VerifyOptions{DNSName: name, Roots: roots})
		assert.NoError(t, err, name)
	}
}

func TestIssueServerCertRequiresHost(t *testing.T) {
	ca, err := GenerateCA("h3exchange-test")
	require.NoError(t, err)

	_, err = ca.IssueServerCert()
	assert.Error(t, err)
}

func TestCAPEMRoundTrips(t *testing.T) {
	ca, err := GenerateCA("h3exchange-test")
	require.NoError(t, err)

	block, rest := pem.Decode(ca.PEM())
	require.NotNil(t, block)
	assert.Empty(t, rest)
	assert.Equal(t, "CERTIFICATE", block.Type)
	assert.Equal(t, ca.Cert.Raw, block.Bytes)
}
