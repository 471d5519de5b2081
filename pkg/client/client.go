// Package client connects to zynkd on behalf of rsync.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/zynk/pkg/certs"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/knownhosts"
	"github.com/sidkik/zynk/pkg/protocol"
	"github.com/sidkik/zynk/pkg/relay"
	"github.com/sidkik/zynk/pkg/secret"
	"github.com/sidkik/zynk/pkg/version"
)

// Variables mocked for unit testing.
var (
	dial           = (&net.Dialer{}).DialContext
	checkKnownHost = knownhosts.Check
)

// Request describes the session to ask the daemon for.
type Request struct {
	Mode    protocol.Mode
	User    string
	Command string
}

// Tunnel is an accepted session with zynkd.
type Tunnel struct {
	conn     *tls.Conn
	response protocol.Response
}

// Dial connects to target, which is either a host alias from cfg or an
// address, verifies the server, and requests a session. Rejections by the
// daemon are returned as errors.
func Dial(ctx context.Context, cfg config.Client, target string, req Request) (*Tunnel, error) {
	host := cfg.Lookup(target)
	tlsConfig, err := newTLSConfig(cfg, host)
	if err != nil {
		return nil, errors.WithContext(err, "tls config")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout.Duration)
	defer cancel()

	rawConn, err := dial(ctx, "tcp", host.Address)
	if err != nil {
		return nil, errors.NewFriendlyError("Failed to connect to %s: %s",
			host.Address, err)
	}

	conn := tls.Client(rawConn, tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		if errors.IsFriendly(err) {
			return nil, err
		}
		return nil, errors.WithContext(err, "tls handshake")
	}

	resp, err := handshake(ctx, conn, cfg.Name, host, req)
	if err != nil {
		conn.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"session":        resp.SessionID,
		"server-version": resp.ServerVersion,
	}).Debug("Session accepted")
	return &Tunnel{conn: conn, response: resp}, nil
}

func handshake(ctx context.Context, conn *tls.Conn, name string, host config.Host,
	req Request) (protocol.Response, error) {

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return protocol.Response{}, errors.WithContext(err, "set deadline")
		}
	}

	hello := protocol.Hello{
		ProtocolVersion: protocol.Version,
		ClientVersion:   version.Version,
		Client:          name,
		User:            req.User,
		Mode:            req.Mode,
		Command:         req.Command,
	}

	if host.TokenFile != "" {
		token, err := secret.ReadFile(host.TokenFile)
		if err != nil {
			return protocol.Response{}, err
		}
		hello.Token = token.Bytes()
		token.Destroy()
		defer secret.Wipe(hello.Token)
	}

	if err := protocol.WriteFrame(conn, hello); err != nil {
		return protocol.Response{}, errors.WithContext(err, "send hello")
	}

	var resp protocol.Response
	if err := protocol.ReadFrame(conn, &resp); err != nil {
		return protocol.Response{}, errors.WithContext(err, "read response")
	}

	if err := resp.Err(); err != nil {
		return protocol.Response{}, err
	}

	if err := protocol.CheckCompatible(resp.ProtocolVersion); err != nil {
		return protocol.Response{}, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return protocol.Response{}, errors.WithContext(err, "clear deadline")
	}
	return resp, nil
}

// newTLSConfig builds the TLS config for connecting to host. The server is
// verified against the pinned fingerprint if there is one, the CA if there
// is one, or the known hosts file otherwise.
func newTLSConfig(cfg config.Client, host config.Host) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: host.ServerName,
		MinVersion: tls.VersionTLS12,

		// Verification is done by VerifyConnection so that servers without
		// a CA signed certificate can be pinned.
		InsecureSkipVerify: true,
	}

	if host.Cert != "" {
		keyPair, err := certs.LoadKeyPair(host.Cert, host.Key)
		if err != nil {
			return nil, errors.WithContext(err, "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{keyPair}
	}

	var roots *x509.CertPool
	if host.Fingerprint == "" && host.CA != "" {
		var err error
		roots, err = certs.LoadCertPool(host.CA)
		if err != nil {
			return nil, errors.WithContext(err, "load CA")
		}
	}

	tlsConfig.VerifyConnection = func(state tls.ConnectionState) error {
		if len(state.PeerCertificates) == 0 {
			return errors.New("server didn't present a certificate")
		}
		leaf := state.PeerCertificates[0]
		fingerprint := certs.Fingerprint(leaf)

		switch {
		case host.Fingerprint != "":
			if fingerprint != host.Fingerprint {
				return errors.NewFriendlyError("The certificate of %s doesn't "+
					"match the pinned fingerprint.\nExpected: %s\nReceived: %s",
					host.Address, host.Fingerprint, fingerprint)
			}
			return nil

		case roots != nil:
			intermediates := x509.NewCertPool()
			for _, cert := range state.PeerCertificates[1:] {
				intermediates.AddCert(cert)
			}
			_, err := leaf.Verify(x509.VerifyOptions{
				DNSName:       host.ServerName,
				Roots:         roots,
				Intermediates: intermediates,
			})
			if err != nil {
				return errors.NewFriendlyError("The certificate of %s "+
					"couldn't be verified: %s", host.Address, err)
			}
			return nil

		default:
			return checkKnownHost(cfg.KnownHosts, host.Address, fingerprint,
				cfg.HostKeyPolicy)
		}
	}
	return tlsConfig, nil
}

// Response returns the daemon's response to the session request.
func (t *Tunnel) Response() protocol.Response {
	return t.response
}

// Run relays stdin to the daemon, and the daemon's output to stdout, until
// the daemon closes the session.
func (t *Tunnel) Run(stdin io.Reader, stdout io.Writer) error {
	return relay.BridgeReaders(t.conn, t.conn, stdout, stdin)
}

// Close closes the connection to the daemon.
func (t *Tunnel) Close() error {
	return t.conn.Close()
}
