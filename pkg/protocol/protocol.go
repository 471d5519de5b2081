// Package protocol defines the handshake spoken between zynk and zynkd.
//
// After the TLS handshake, the client sends a single Hello frame and the
// daemon answers with a single Response frame. Each frame is a 4 byte
// big-endian length followed by a CBOR encoded body. If the daemon accepts
// the session, the connection carries the raw rsync protocol from then on.
package protocol

import (
	"github.com/sidkik/zynk/pkg/errors"
)

// Mode is the kind of session requested by the client.
type Mode string

const (
	// ModeExec runs the rsync server command in Hello.Command.
	ModeExec Mode = "exec"

	// ModePing only authenticates, and closes the connection after the
	// response. It's used by `zynk check` and `zynk version`.
	ModePing Mode = "ping"
)

// Hello is the first frame sent by the client.
type Hello struct {
	ProtocolVersion string `cbor:"protocol_version"`
	ClientVersion   string `cbor:"client_version"`
	Client          string `cbor:"client"`
	User            string `cbor:"user,omitempty"`
	Token           []byte `cbor:"token,omitempty"`
	Mode            Mode   `cbor:"mode"`
	Command         string `cbor:"command,omitempty"`
}

// Response is the daemon's answer to Hello.
type Response struct {
	Accepted        bool         `cbor:"accepted"`
	SessionID       string       `cbor:"session_id,omitempty"`
	ServerVersion   string       `cbor:"server_version"`
	ProtocolVersion string       `cbor:"protocol_version"`
	Error           *errors.Wire `cbor:"error,omitempty"`
}

// Err returns the error carried by a rejection, or nil if the session was
// accepted.
func (resp Response) Err() error {
	if resp.Accepted {
		return nil
	}
	if resp.Error == nil {
		return errors.New("session rejected by server")
	}
	return errors.Unmarshal(resp.Error)
}

// Reject builds a Response that rejects the session with err.
func Reject(err error, serverVersion string) Response {
	return Response{
		ServerVersion:   serverVersion,
		ProtocolVersion: Version,
		Error:           errors.Marshal(err),
	}
}
