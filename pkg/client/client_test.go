package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"io/ioutil"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/zynk/pkg/certs"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/protocol"
)

type testServer struct {
	addr    string
	ca      certs.Pair
	server  certs.Pair
	caPath  string
	helloCh chan protocol.Hello
}

// startServer runs a minimal daemon that records the Hello it receives,
// answers with respond, and echoes the rest of the connection.
func startServer(t *testing.T, respond func(protocol.Hello) protocol.Response) testServer {
	ca, err := certs.GenerateCA("ca", time.Hour)
	require.NoError(t, err)
	server, err := certs.Issue(ca, "localhost", []string{"localhost", "127.0.0.1"},
		true, time.Hour)
	require.NoError(t, err)

	caPath := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, ca.Write(caPath, filepath.Join(t.TempDir(), "ca.key")))

	lis, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{server.Cert.Raw},
			PrivateKey:  server.Key,
		}},
		ClientAuth: tls.RequestClientCert,
	})
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	helloCh := make(chan protocol.Hello, 10)
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}

			go func() {
				defer conn.Close()
				var hello protocol.Hello
				if err := protocol.ReadFrame(conn, &hello); err != nil {
					return
				}
				helloCh <- hello

				resp := respond(hello)
				if err := protocol.WriteFrame(conn, resp); err != nil || !resp.Accepted {
					return
				}
				io.Copy(conn, conn)
				conn.(*tls.Conn).CloseWrite()
			}()
		}
	}()

	return testServer{
		addr:    lis.Addr().String(),
		ca:      ca,
		server:  server,
		caPath:  caPath,
		helloCh: helloCh,
	}
}

func accept(protocol.Hello) protocol.Response {
	return protocol.Response{
		Accepted:        true,
		SessionID:       "session",
		ServerVersion:   "v-test",
		ProtocolVersion: protocol.Version,
	}
}

func testConfig(t *testing.T, hosts ...config.Host) config.Client {
	return config.Client{
		Name:           "laptop",
		KnownHosts:     filepath.Join(t.TempDir(), "known_hosts"),
		HostKeyPolicy:  config.HostKeyStrict,
		ConnectTimeout: config.Duration{Duration: 5 * time.Second},
		Hosts:          hosts,
	}
}

func TestDialAndRun(t *testing.T) {
	srv := startServer(t, accept)
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, ioutil.WriteFile(tokenPath, []byte("hunter2\n"), 0600))

	cfg := testConfig(t, config.Host{
		Alias:       "nas",
		Address:     srv.addr,
		Fingerprint: certs.Fingerprint(srv.server.Cert),
		TokenFile:   tokenPath,
	})

	tunnel, err := Dial(context.Background(), cfg, "nas", Request{
		Mode:    protocol.ModeExec,
		User:    "backup",
		Command: "rsync --server . dst",
	})
	require.NoError(t, err)
	defer tunnel.Close()
	assert.Equal(t, "v-test", tunnel.Response().ServerVersion)

	hello := <-srv.helloCh
	assert.Equal(t, protocol.Hello{
		ProtocolVersion: protocol.Version,
		ClientVersion:   "set-by-make",
		Client:          "laptop",
		User:            "backup",
		Token:           []byte("hunter2"),
		Mode:            protocol.ModeExec,
		Command:         "rsync --server . dst",
	}, hello)

	var out bytes.Buffer
	require.NoError(t, tunnel.Run(strings.NewReader("echo me"), &out))
	assert.Equal(t, "echo me", out.String())
}

func TestDialRejected(t *testing.T) {
	srv := startServer(t, func(protocol.Hello) protocol.Response {
		return protocol.Reject(errors.NewFriendlyError("Authentication failed."), "v")
	})

	cfg := testConfig(t, config.Host{Alias: "nas", Address: srv.addr, CA: srv.caPath,
		ServerName: "localhost"})
	_, err := Dial(context.Background(), cfg, "nas", Request{Mode: protocol.ModePing})
	assert.True(t, errors.IsFriendly(err))
	assert.EqualError(t, err, "Authentication failed.")
}

func TestDialIncompatible(t *testing.T) {
	srv := startServer(t, func(hello protocol.Hello) protocol.Response {
		resp := accept(hello)
		resp.ProtocolVersion = "2.0"
		return resp
	})

	cfg := testConfig(t, config.Host{Alias: "nas", Address: srv.addr,
		Fingerprint: certs.Fingerprint(srv.server.Cert)})
	_, err := Dial(context.Background(), cfg, "nas", Request{Mode: protocol.ModePing})
	assert.True(t, errors.IsFriendly(err))
	assert.Contains(t, err.Error(), "Incompatible zynk protocol version")
}

func TestServerVerification(t *testing.T) {
	srv := startServer(t, accept)
	otherCA, err := certs.GenerateCA("other", time.Hour)
	require.NoError(t, err)
	otherCAPath := filepath.Join(t.TempDir(), "other.crt")
	require.NoError(t, otherCA.Write(otherCAPath, filepath.Join(t.TempDir(), "other.key")))

	wrongFingerprint := certs.Fingerprint(otherCA.Cert)
	tests := []struct {
		name     string
		host     config.Host
		policy   string
		expError string
	}{
		{
			name: "PinnedFingerprint",
			host: config.Host{Fingerprint: certs.Fingerprint(srv.server.Cert)},
		},
		{
			name:     "WrongFingerprint",
			host:     config.Host{Fingerprint: wrongFingerprint},
			expError: "doesn't match the pinned fingerprint",
		},
		{
			name: "CA",
			host: config.Host{CA: srv.caPath, ServerName: "localhost"},
		},
		{
			name:     "WrongCA",
			host:     config.Host{CA: otherCAPath, ServerName: "localhost"},
			expError: "couldn't be verified",
		},
		{
			name:     "CAWrongName",
			host:     config.Host{CA: srv.caPath, ServerName: "evil.example.com"},
			expError: "couldn't be verified",
		},
		{
			name:     "UnknownHostStrict",
			host:     config.Host{},
			policy:   config.HostKeyStrict,
			expError: "can't be established",
		},
		{
			name:   "UnknownHostAcceptNew",
			host:   config.Host{},
			policy: config.HostKeyAcceptNew,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			test.host.Alias = "nas"
			test.host.Address = srv.addr
			cfg := testConfig(t, test.host)
			if test.policy != "" {
				cfg.HostKeyPolicy = test.policy
			}

			tunnel, err := Dial(context.Background(), cfg, "nas",
				Request{Mode: protocol.ModePing})
			if test.expError != "" {
				require.Error(t, err)
				assert.True(t, errors.IsFriendly(err), err.Error())
				assert.Contains(t, err.Error(), test.expError)
				return
			}
			require.NoError(t, err)
			tunnel.Close()
		})
	}
}

func TestDialUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	cfg := testConfig(t)
	_, err = Dial(context.Background(), cfg, addr, Request{Mode: protocol.ModePing})
	assert.True(t, errors.IsFriendly(err))
	assert.Contains(t, err.Error(), "Failed to connect")
}
