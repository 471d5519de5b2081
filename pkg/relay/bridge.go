package relay

import (
	goerrors "errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

// Conn is a connection that can be half-closed. *tls.Conn and *net.TCPConn
// both implement it.
type Conn interface {
	io.ReadWriter
	CloseWrite() error
	SetReadDeadline(time.Time) error
}

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection reset.
// These happen whenever one end of a relay goes away while the other is
// still reading or writing, and shouldn't be logged as errors.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if goerrors.Is(err, io.EOF) || goerrors.Is(err, net.ErrClosed) ||
		goerrors.Is(err, os.ErrDeadlineExceeded) || goerrors.Is(err, os.ErrClosed) {
		return true
	}

	var errno syscall.Errno
	if goerrors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// BridgeReaders copies localReader to conn, and connReader to local. The
// readers may differ from the connection when buffered data has already
// been consumed. Once localReader is exhausted, the write side of conn is
// closed so that the peer sees EOF, and the bridge keeps running until the
// peer closes its side.
//
// It returns once the peer is done, along with the first unexpected error.
func BridgeReaders(conn Conn, connReader io.Reader, local io.Writer,
	localReader io.Reader) error {

	outbound := make(chan error, 1)
	go func() {
		_, err := io.Copy(conn, localReader)
		if closeErr := conn.CloseWrite(); err == nil {
			err = closeErr
		}
		outbound <- err
	}()

	_, inboundErr := io.Copy(local, connReader)

	// If the peer went away before we were done sending, the outbound copy
	// fails on its own. Otherwise, it might be blocked reading from
	// localReader, which we can't interrupt, so don't wait for it.
	var outboundErr error
	select {
	case outboundErr = <-outbound:
	default:
	}

	for _, err := range []error{inboundErr, outboundErr} {
		if err != nil && !IsExpectedCloseError(err) {
			return err
		}
	}
	return nil
}
