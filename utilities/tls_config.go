package utilities

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// CertificateAuthority is a throwaway CA used to sign certificates for local HTTP/3 servers.
type CertificateAuthority struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// GenerateCA creates a self-signed CA valid for one year.
func GenerateCA(org string) (*CertificateAuthority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template, err := certTemplate(org)
	if err != nil {
		return nil, err
	}
	template.IsCA = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = nil

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &CertificateAuthority{Cert: cert, Key: key}, nil
}

// PEM returns the CA certificate as a PEM bundle with a single entry.
func (ca *CertificateAuthority) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
}

// WriteBundle writes the CA certificate to path so clients can load it as their trust store.
func (ca *CertificateAuthority) WriteBundle(path string) error {
	return os.WriteFile(path, ca.PEM(), 0o644)
}

// IssueServerCert signs a server certificate for the given hosts. IP literals
// become IP SANs, everything else becomes a DNS SAN.
func (ca *CertificateAuthority) IssueServerCert(hosts ...string) (tls.Certificate, error) {
	if len(hosts) == 0 {
		return tls.Certificate{}, fmt.Errorf("at least one host is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template, err := certTemplate(ca.Cert.Subject.Organization[0])
	if err != nil {
		return tls.Certificate{}, err
	}
	template.Subject.CommonName = hosts[0]
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der, ca.Cert.Raw},
		PrivateKey:  key,
	}, nil
}

// GenerateServerTLSConfig creates a fresh CA and a server certificate for hosts,
// returning the server side TLS config and the CA that clients must trust.
func GenerateServerTLSConfig(org string, hosts ...string) (*tls.Config, *CertificateAuthority, error) {
	ca, err := GenerateCA(org)
	if err != nil {
		return nil, nil, err
	}
	cert, err := ca.IssueServerCert(hosts...)
	if err != nil {
		return nil, nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, ca, nil
}

func certTemplate(org string) (*x509.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().Add(-time.Minute)
	return &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{org}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}, nil
}
