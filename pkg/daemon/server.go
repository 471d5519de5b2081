// Package daemon implements zynkd: it accepts TLS connections, authenticates
// clients, and relays their sessions to a local rsync server process.
package daemon

import (
	"context"
	"crypto/tls"
	goerrors "errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/sidkik/zynk/pkg/audit"
	"github.com/sidkik/zynk/pkg/auth"
	"github.com/sidkik/zynk/pkg/certs"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/protocol"
	"github.com/sidkik/zynk/pkg/relay"
	"github.com/sidkik/zynk/pkg/rsync"
	"github.com/sidkik/zynk/pkg/version"
)

// Variables mocked for unit testing.
var (
	newSessionID = uuid.NewString
	runRelay     = relay.Run
)

// ErrBusy is sent to clients when every session slot is taken.
var ErrBusy = errors.NewFriendlyError(
	"The server is busy. Try again once other transfers have finished.")

// Server is a running zynkd instance.
type Server struct {
	auth      *auth.Authenticator
	tlsConfig *tls.Config
	sessions  *semaphore.Weighted
	health    *health.Server

	// handshakes bounds the connections that are between accept and the
	// end of authentication, since each can cost a scrypt derivation.
	handshakes *semaphore.Weighted

	cfgLock sync.Mutex
	cfg     config.Daemon

	listener    net.Listener
	adminServer *grpc.Server

	acceptCtx    context.Context
	cancelAccept context.CancelFunc

	// sessionCtx is cancelled once the shutdown grace period expires, which
	// kills any rsync processes that are still running.
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	acceptDone  chan struct{}
	connections sync.WaitGroup
	stopOnce    sync.Once
	done        chan struct{}
}

// New creates a server from cfg. The TLS key pair and client CA are loaded
// immediately so that configuration errors are reported before listening.
func New(cfg config.Daemon) (*Server, error) {
	keyPair, err := certs.LoadKeyPair(cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return nil, errors.WithContext(err, "load server certificate")
	}

	authenticator := &auth.Authenticator{
		Registry: auth.NewRegistry(cfg.Clients),
		Throttle: auth.NewThrottle(clockwork.NewRealClock(), cfg.Lockout),
	}
	if cfg.TLS.ClientCA != "" {
		authenticator.ClientCAs, err = certs.LoadCertPool(cfg.TLS.ClientCA)
		if err != nil {
			return nil, errors.WithContext(err, "load client CA")
		}
	}

	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 1
	}
	maxHandshakes := cfg.MaxHandshakes
	if maxHandshakes <= 0 {
		maxHandshakes = 1
	}

	return &Server{
		auth: authenticator,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{keyPair},
			MinVersion:   tls.VersionTLS12,

			// Client certificates are optional since clients may use
			// tokens instead. The authenticator verifies them.
			ClientAuth: tls.RequestClientCert,
		},
		sessions:   semaphore.NewWeighted(int64(maxSessions)),
		handshakes: semaphore.NewWeighted(int64(maxHandshakes)),
		health:     health.NewServer(),
		cfg:        cfg,
		done:       make(chan struct{}),
	}, nil
}

// Start binds the listen address and begins accepting connections. It
// returns once the listener is ready. The server runs until Stop is called
// or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config()
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.NewFriendlyError("Failed to listen on %s: %s", cfg.Listen, err)
	}
	s.listener = listener

	if err := s.startAdmin(cfg.Admin); err != nil {
		listener.Close()
		return errors.WithContext(err, "start admin server")
	}
	s.health.SetServingStatus(HealthService, servingStatus(true))

	s.sessionCtx, s.cancelSession = context.WithCancel(context.Background())
	s.acceptCtx, s.cancelAccept = context.WithCancel(context.Background())
	s.acceptDone = make(chan struct{})
	go func() {
		defer close(s.acceptDone)
		s.acceptLoop()
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()

	log.WithFields(log.Fields{
		"address": listener.Addr().String(),
		"clients": s.auth.Registry.Len(),
		"version": version.Version,
	}).Info("zynkd is ready")
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop stops accepting connections and waits for running sessions to
// finish. Sessions still running after the shutdown grace period are
// killed. It's safe to call Stop more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.health.SetServingStatus(HealthService, servingStatus(false))
		s.cancelAccept()
		if err := s.listener.Close(); err != nil {
			log.WithError(err).Debug("Failed to close listener")
		}
		<-s.acceptDone

		drained := make(chan struct{})
		go func() {
			s.connections.Wait()
			close(drained)
		}()

		grace := s.config().ShutdownGrace.Duration
		select {
		case <-drained:
		case <-time.After(grace):
			log.WithField("grace", grace).Warn(
				"Sessions didn't finish within the shutdown grace period. Killing them.")
			s.cancelSession()
			<-drained
		}
		s.cancelSession()

		if s.adminServer != nil {
			s.adminServer.Stop()
		}
		log.Info("zynkd stopped")
		close(s.done)
	})
}

// Wait blocks until the server has fully stopped.
func (s *Server) Wait() {
	<-s.done
}

func (s *Server) config() config.Daemon {
	s.cfgLock.Lock()
	defer s.cfgLock.Unlock()
	return s.cfg
}

func (s *Server) acceptLoop() {
	for {
		// Connections wait in the listen backlog while every handshake
		// slot is taken.
		if err := s.handshakes.Acquire(s.acceptCtx, 1); err != nil {
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.handshakes.Release(1)
			if goerrors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("Failed to accept connection")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.connections.Add(1)
		go func() {
			defer s.connections.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs a connection that holds a handshake slot. The slot
// is released once the client is authenticated and its command is checked.
func (s *Server) handleConnection(rawConn net.Conn) {
	defer rawConn.Close()

	handshaking := true
	endHandshake := func() {
		if handshaking {
			handshaking = false
			s.handshakes.Release(1)
		}
	}
	defer endHandshake()

	sessionID := newSessionID()
	logger := log.WithFields(log.Fields{
		"remote":  rawConn.RemoteAddr().String(),
		"session": sessionID,
	})

	cfg := s.config()
	if err := rawConn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout.Duration)); err != nil {
		logger.WithError(err).Warn("Failed to set handshake deadline")
		return
	}

	conn := tls.Server(rawConn, s.tlsConfig)
	if err := conn.HandshakeContext(s.sessionCtx); err != nil {
		logger.WithError(err).Debug("TLS handshake failed")
		return
	}

	var hello protocol.Hello
	if err := protocol.ReadFrame(conn, &hello); err != nil {
		logger.WithError(err).Debug("Failed to read hello")
		return
	}
	logger = logger.WithFields(log.Fields{
		"client":         hello.Client,
		"client-version": hello.ClientVersion,
		"mode":           hello.Mode,
	})

	reject := func(err error) {
		if err := protocol.WriteFrame(conn, protocol.Reject(err, version.Version)); err != nil {
			logger.WithError(err).Debug("Failed to send rejection")
		}
	}

	if err := protocol.CheckCompatible(hello.ProtocolVersion); err != nil {
		logger.WithField("protocol-version", hello.ProtocolVersion).
			Warn("Rejected client with incompatible protocol")
		reject(err)
		return
	}

	identity, err := s.auth.Authenticate(remoteHost(rawConn.RemoteAddr()),
		conn.ConnectionState().PeerCertificates, hello)
	if err != nil {
		audit.Event(logger.WithError(err), audit.AuthRejected).Warn("Rejected client")
		switch err.(type) {
		case auth.LockedOut, auth.TooManyAttempts:
			reject(err)
		default:
			reject(auth.ErrAuthFailed)
		}
		return
	}

	logger = logger.WithField("root", identity.Policy.Root)
	audit.Event(logger.WithField("factors", identity.Factors), audit.AuthAccepted).
		Info("Accepted client")

	var invocation rsync.Invocation
	switch hello.Mode {
	case protocol.ModePing:
		s.accept(conn, sessionID, logger)
		return
	case protocol.ModeExec:
		invocation, err = s.prepare(hello, identity, cfg.RsyncPath)
		if err != nil {
			logger.WithError(err).WithField("command", hello.Command).
				Warn("Refused command")
			reject(err)
			return
		}
	default:
		reject(errors.NewFriendlyError("Unknown session mode %q.", hello.Mode))
		return
	}

	endHandshake()
	if !s.sessions.TryAcquire(1) {
		logger.Warn("Rejected session because the server is busy")
		reject(ErrBusy)
		return
	}
	defer s.sessions.Release(1)

	if !s.accept(conn, sessionID, logger) {
		return
	}
	if err := rawConn.SetDeadline(time.Time{}); err != nil {
		logger.WithError(err).Warn("Failed to clear deadline")
		return
	}

	logger.WithField("argv", invocation.Argv).Debug("Starting rsync")
	result, err := runRelay(s.sessionCtx, conn, invocation.Argv, invocation.Dir, logger)
	closed := audit.Event(logger.WithFields(log.Fields{
		"bytes-in":  result.BytesIn,
		"bytes-out": result.BytesOut,
		"exit-code": result.ExitCode,
		"duration":  result.Duration.String(),
		"sender":    invocation.Sender,
	}), audit.SessionClosed)
	if err != nil {
		closed.WithError(err).Warn("Session failed")
		return
	}
	closed.Info("Session closed")
}

// prepare turns the client's command into the invocation that should run.
func (s *Server) prepare(hello protocol.Hello, identity auth.Identity,
	rsyncPath string) (rsync.Invocation, error) {

	cmd, err := rsync.ParseServerCommand(hello.Command)
	if err != nil {
		return rsync.Invocation{}, err
	}
	return rsync.Validate(cmd, identity.Policy, rsyncPath)
}

func (s *Server) accept(conn *tls.Conn, sessionID string, logger *log.Entry) bool {
	resp := protocol.Response{
		Accepted:        true,
		SessionID:       sessionID,
		ServerVersion:   version.Version,
		ProtocolVersion: protocol.Version,
	}
	if err := protocol.WriteFrame(conn, resp); err != nil {
		logger.WithError(err).Debug("Failed to send response")
		return false
	}
	return true
}

// remoteHost strips the port from addr so that lockouts apply to the host
// rather than to a single connection.
func remoteHost(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
