// Package auth decides whether a client that connected to zynkd is who it
// claims to be.
package auth

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/sidkik/zynk/pkg/certs"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/protocol"
)

// Factors that can be used to authenticate a client.
const (
	FactorCertificate = "certificate"
	FactorToken       = "token"
)

// Mocked for unit testing.
var verifyToken = VerifyToken

// ErrAuthFailed is the only error shown to clients that fail
// authentication. It doesn't say why, so that it can't be used to probe
// which client names exist or which factor was wrong.
var ErrAuthFailed = errors.NewFriendlyError("Authentication failed.")

// Failure is returned when a client fails authentication. Reason is meant
// for the daemon's logs only. Clients should be sent ErrAuthFailed.
type Failure struct {
	Client string
	Reason string
}

func (f Failure) Error() string {
	return fmt.Sprintf("authentication of %q failed: %s", f.Client, f.Reason)
}

// LockedOut is returned for remote hosts that failed authentication too
// many times.
type LockedOut struct {
	Until time.Time
}

func (err LockedOut) Error() string {
	return err.FriendlyMessage()
}

// FriendlyMessage implements errors.Friendly.
func (err LockedOut) FriendlyMessage() string {
	return fmt.Sprintf("Too many failed authentication attempts. "+
		"Try again after %s.", err.Until.UTC().Format(time.RFC3339))
}

// Identity describes an authenticated client.
type Identity struct {
	Name    string
	Policy  config.ClientPolicy
	Factors []string
}

// Authenticator checks client credentials against the registry.
type Authenticator struct {
	Registry *Registry
	Throttle *Throttle

	// ClientCAs verifies client certificates for clients that have neither
	// fingerprints nor a token configured. It may be nil.
	ClientCAs *x509.CertPool
}

// Authenticate checks the credentials presented by the client at remoteHost.
// peerCerts are the certificates sent during the TLS handshake, leaf first.
func (a *Authenticator) Authenticate(remoteHost string, peerCerts []*x509.Certificate,
	hello protocol.Hello) (Identity, error) {

	if err := a.Throttle.Begin(remoteHost); err != nil {
		return Identity{}, err
	}

	id, err := a.check(peerCerts, hello)
	if err != nil {
		if a.Throttle.Failure(remoteHost) {
			if f, ok := err.(Failure); ok {
				_, until := a.Throttle.Locked(remoteHost)
				f.Reason = fmt.Sprintf("%s (remote locked out until %s)",
					f.Reason, until.UTC().Format(time.RFC3339))
				err = f
			}
		}
		return Identity{}, err
	}

	a.Throttle.Success(remoteHost)
	return id, nil
}

// check returns an Identity, or a Failure.
func (a *Authenticator) check(peerCerts []*x509.Certificate,
	hello protocol.Hello) (Identity, error) {

	fail := func(format string, args ...interface{}) (Identity, error) {
		return Identity{}, Failure{Client: hello.Client,
			Reason: fmt.Sprintf(format, args...)}
	}

	policy, ok := a.Registry.Lookup(hello.Client)
	if !ok {
		return fail("unknown client")
	}

	id := Identity{Name: policy.Name, Policy: policy}
	switch {
	case len(policy.Fingerprints) != 0:
		if len(peerCerts) == 0 {
			return fail("no client certificate")
		}
		fingerprint := certs.Fingerprint(peerCerts[0])
		if !contains(policy.Fingerprints, fingerprint) {
			return fail("certificate %s not allowed", fingerprint)
		}
		id.Factors = append(id.Factors, FactorCertificate)

	case a.ClientCAs != nil && policy.TokenHash == "":
		if len(peerCerts) == 0 {
			return fail("no client certificate")
		}
		if err := a.verifyCertificate(peerCerts, policy.Name); err != nil {
			return fail("%s", err)
		}
		id.Factors = append(id.Factors, FactorCertificate)
	}

	if policy.TokenHash != "" {
		if len(hello.Token) == 0 {
			return fail("no token")
		}

		ok, err := verifyToken(policy.TokenHash, hello.Token)
		if err != nil {
			return fail("token hash: %s", err)
		}
		if !ok {
			return fail("wrong token")
		}
		id.Factors = append(id.Factors, FactorToken)
	}

	if len(id.Factors) == 0 {
		return fail("no authentication method configured")
	}
	return id, nil
}

func (a *Authenticator) verifyCertificate(peerCerts []*x509.Certificate,
	name string) error {

	intermediates := x509.NewCertPool()
	for _, cert := range peerCerts[1:] {
		intermediates.AddCert(cert)
	}

	leaf := peerCerts[0]
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         a.ClientCAs,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return errors.WithContext(err, "verify certificate")
	}

	if leaf.Subject.CommonName == name || contains(leaf.DNSNames, name) {
		return nil
	}
	return errors.New("certificate for %q doesn't match client name",
		leaf.Subject.CommonName)
}

func contains(strs []string, target string) bool {
	for _, s := range strs {
		if s == target {
			return true
		}
	}
	return false
}
