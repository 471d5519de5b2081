// Package certs creates and inspects the X.509 certificates used by zynk and
// zynkd.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/sidkik/zynk/pkg/errors"
)

// FingerprintPrefix is prepended to the hex digest of certificates.
const FingerprintPrefix = "sha256:"

// Mocked for unit testing.
var (
	fs  = afero.NewOsFs()
	now = time.Now
)

// Pair is a certificate and its private key.
type Pair struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// GenerateCA creates a self-signed certificate authority.
func GenerateCA(name string, validity time.Duration) (Pair, error) {
	template, err := newTemplate(name, validity)
	if err != nil {
		return Pair{}, err
	}
	template.IsCA = true
	template.BasicConstraintsValid = true
	template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign

	return sign(template, nil)
}

// Issue creates a certificate for name signed by ca. Server certificates
// are valid for each of hosts, which may be IP addresses or DNS names.
// Client certificates use name as their CommonName and DNS name so that
// zynkd can match them against its client list.
func Issue(ca Pair, name string, hosts []string, server bool,
	validity time.Duration) (Pair, error) {

	template, err := newTemplate(name, validity)
	if err != nil {
		return Pair{}, err
	}
	template.KeyUsage = x509.KeyUsageDigitalSignature

	if server {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		for _, host := range hosts {
			if ip := net.ParseIP(host); ip != nil {
				template.IPAddresses = append(template.IPAddresses, ip)
			} else {
				template.DNSNames = append(template.DNSNames, host)
			}
		}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
		template.DNSNames = []string{name}
	}

	return sign(template, &ca)
}

func newTemplate(name string, validity time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.WithContext(err, "generate serial")
	}

	start := now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name, Organization: []string{"zynk"}},
		NotBefore:    start.Add(-5 * time.Minute),
		NotAfter:     start.Add(validity),
	}, nil
}

// sign creates the certificate described by template. If parent is nil, the
// certificate is self-signed.
func sign(template *x509.Certificate, parent *Pair) (Pair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Pair{}, errors.WithContext(err, "generate key")
	}

	signerCert, signerKey := template, key
	if parent != nil {
		signerCert, signerKey = parent.Cert, parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signerCert,
		&key.PublicKey, signerKey)
	if err != nil {
		return Pair{}, errors.WithContext(err, "create certificate")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Pair{}, errors.WithContext(err, "parse certificate")
	}
	return Pair{Cert: cert, Key: key}, nil
}

// Write writes the certificate and key as PEM. The key is only readable by
// its owner.
func (p Pair) Write(certPath, keyPath string) error {
	keyDER, err := x509.MarshalECPrivateKey(p.Key)
	if err != nil {
		return errors.WithContext(err, "marshal key")
	}

	files := []struct {
		path  string
		block pem.Block
		perm  os.FileMode
	}{
		{certPath, pem.Block{Type: "CERTIFICATE", Bytes: p.Cert.Raw}, 0644},
		{keyPath, pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}, 0600},
	}
	for _, f := range files {
		if err := fs.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}
		err := afero.WriteFile(fs, f.path, pem.EncodeToMemory(&f.block), f.perm)
		if err != nil {
			return errors.WithContext(err, "write "+f.path)
		}
	}
	return nil
}

// Load reads a certificate and key written by Write, or any PEM encoded
// pair that crypto/tls understands.
func Load(certPath, keyPath string) (Pair, error) {
	keyPair, err := LoadKeyPair(certPath, keyPath)
	if err != nil {
		return Pair{}, err
	}

	key, ok := keyPair.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return Pair{}, errors.New("%s: only ECDSA keys can sign certificates", keyPath)
	}
	return Pair{Cert: keyPair.Leaf, Key: key}, nil
}

// LoadKeyPair reads a PEM encoded certificate and key for use in a TLS
// config.
func LoadKeyPair(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := afero.ReadFile(fs, certPath)
	if err != nil {
		return tls.Certificate{}, errors.WithContext(err, "read certificate")
	}

	keyPEM, err := afero.ReadFile(fs, keyPath)
	if err != nil {
		return tls.Certificate{}, errors.WithContext(err, "read key")
	}

	keyPair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errors.WithContext(err,
			"load "+certPath)
	}

	if keyPair.Leaf == nil {
		keyPair.Leaf, err = x509.ParseCertificate(keyPair.Certificate[0])
		if err != nil {
			return tls.Certificate{}, errors.WithContext(err, "parse certificate")
		}
	}
	return keyPair, nil
}

// LoadCertPool reads the PEM encoded certificates at path into a pool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	pemBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, "read CA")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, errors.NewFriendlyError(
			"No certificates could be parsed from %q.", path)
	}
	return pool, nil
}

// Fingerprint returns the SHA-256 fingerprint of cert's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	return FingerprintDER(cert.Raw)
}

// FingerprintDER returns the fingerprint of a DER encoded certificate.
func FingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return FingerprintPrefix + hex.EncodeToString(sum[:])
}

// FingerprintFile returns the fingerprint of the first certificate in the
// PEM file at path.
func FingerprintFile(path string) (string, error) {
	cert, err := ReadCertificate(path)
	if err != nil {
		return "", err
	}
	return Fingerprint(cert), nil
}

// ReadCertificate parses the first certificate in the PEM file at path.
func ReadCertificate(path string) (*x509.Certificate, error) {
	pemBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, "read certificate")
	}

	for {
		var block *pem.Block
		block, pemBytes = pem.Decode(pemBytes)
		if block == nil {
			return nil, errors.NewFriendlyError(
				"No certificate found in %q.", path)
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, errors.WithContext(err, "parse "+path)
			}
			return cert, nil
		}
	}
}
