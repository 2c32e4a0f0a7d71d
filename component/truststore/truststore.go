package truststore

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"h3exchange/component/failure"
	"h3exchange/utilities"
)

var log = utilities.NewLogger("truststore")

// Store is an ordered, immutable set of trust anchors.
type Store struct {
	certs []*x509.Certificate
	pool  *x509.CertPool
}

// Load reads a PEM bundle from path. Loading stops at the first malformed
// entry and no partial store is returned.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.New(failure.CertificateRead, "read "+path, err)
	}

	store, err := Parse(data)
	if err != nil {
		log.Errorf("❌ error loading CA bundle %s: %v", path, err)
		return nil, err
	}
	log.Debugf("loaded %d trust anchors from %s", store.Len(), path)
	return store, nil
}

// Parse builds a store from PEM data. Blocks that are not CERTIFICATE are skipped.
func Parse(data []byte) (*Store, error) {
	store := &Store{pool: x509.NewCertPool()}
	seen := make(map[string]struct{})

	rest := data
	for entry := 1; ; entry++ {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			if bytes.Contains(rest, []byte("-----BEGIN")) {
				return nil, failure.New(failure.CertificateParse, fmt.Sprintf("decode entry %d", entry), errors.New("invalid PEM block"))
			}
			break
		}
		if block.Type != "CERTIFICATE" {
			entry--
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, failure.New(failure.CertificateParse, fmt.Sprintf("parse entry %d", entry), err)
		}
		if err := checkAnchor(cert); err != nil {
			return nil, failure.New(failure.CertificateTrust, fmt.Sprintf("add entry %d", entry), err)
		}
		if _, dup := seen[string(cert.Raw)]; dup {
			return nil, failure.New(failure.CertificateTrust, fmt.Sprintf("add entry %d", entry),
				fmt.Errorf("duplicate certificate %q", cert.Subject.String()))
		}

		seen[string(cert.Raw)] = struct{}{}
		store.certs = append(store.certs, cert)
		store.pool.AddCert(cert)
	}

	return store, nil
}

// an anchor whose key Go cannot verify signatures with would silently never match
func checkAnchor(cert *x509.Certificate) error {
	switch cert.PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return nil
	default:
		return fmt.Errorf("unsupported public key algorithm %s", cert.PublicKeyAlgorithm)
	}
}

func (s *Store) Len() int {
	return len(s.certs)
}

// Certificates returns the anchors in bundle order.
func (s *Store) Certificates() []*x509.Certificate {
	out := make([]*x509.Certificate, len(s.certs))
	copy(out, s.certs)
	return out
}

// Pool returns a copy of the certificate pool so callers cannot mutate the store.
func (s *Store) Pool() *x509.CertPool {
	return s.pool.Clone()
}
