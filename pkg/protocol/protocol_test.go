package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/zynk/pkg/errors"
)

func TestFrameRoundTrip(t *testing.T) {
	hello := Hello{
		ProtocolVersion: Version,
		ClientVersion:   "v0.1.0",
		Client:          "laptop",
		Token:           []byte("secret"),
		Mode:            ModeExec,
		Command:         "rsync --server -vlogDtpre.iLsfxC . /backups",
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, hello))
	buf.WriteString("rsync bytes")

	var decoded Hello
	require.NoError(t, ReadFrame(&buf, &decoded))
	assert.Equal(t, hello, decoded)

	// The reader must be left at the start of the raw stream.
	rest, err := io.ReadAll(&buf)
	require.NoError(t, err)
	assert.Equal(t, "rsync bytes", string(rest))
}

func TestFrameTooLarge(t *testing.T) {
	hello := Hello{Command: strings.Repeat("a", MaxFrameSize)}
	err := WriteFrame(io.Discard, hello)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	err = ReadFrame(bytes.NewReader(header[:]), &hello)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Response{Accepted: true}))
	truncated := buf.Bytes()[:buf.Len()-1]

	var resp Response
	assert.Error(t, ReadFrame(bytes.NewReader(truncated), &resp))
	assert.Error(t, ReadFrame(bytes.NewReader(nil), &resp))
}

func TestResponseErr(t *testing.T) {
	assert.NoError(t, Response{Accepted: true}.Err())
	assert.EqualError(t, Response{}.Err(), "session rejected by server")

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Reject(
		errors.NewFriendlyError("server busy"), "v1")))

	var resp Response
	require.NoError(t, ReadFrame(&buf, &resp))
	assert.False(t, resp.Accepted)
	assert.Equal(t, Version, resp.ProtocolVersion)

	err := resp.Err()
	assert.True(t, errors.IsFriendly(err))
	assert.EqualError(t, err, "server busy")
}

func TestCheckCompatible(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"1.0", true},
		{"1.4", true},
		{"1.0.3", true},
		{"0.9", false},
		{"2.0", false},
		{"garbage", false},
		{"", false},
	}

	for _, test := range tests {
		err := CheckCompatible(test.version)
		if test.ok {
			assert.NoError(t, err, test.version)
		} else {
			assert.Error(t, err, test.version)
			assert.True(t, errors.IsFriendly(err), test.version)
		}
	}
}
