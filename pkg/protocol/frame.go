package protocol

import (
	"encoding/binary"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/sidkik/zynk/pkg/errors"
)

// MaxFrameSize is the largest frame body that will be read or written.
const MaxFrameSize = 64 * 1024

const headerLength = 4

// encMode uses Core Deterministic Encoding so that the same message always
// produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so that newer minor versions can add
// fields.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// WriteFrame encodes v and writes it to w as a single frame.
func WriteFrame(w io.Writer, v interface{}) error {
	body, err := encMode.Marshal(v)
	if err != nil {
		return errors.WithContext(err, "encode")
	}

	if len(body) > MaxFrameSize {
		return errors.New("frame of %d bytes exceeds maximum %d",
			len(body), MaxFrameSize)
	}

	// Write the header and body together so that they end up in the same
	// TLS record.
	frame := make([]byte, headerLength+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerLength:], body)
	if _, err := w.Write(frame); err != nil {
		return errors.WithContext(err, "write frame")
	}
	return nil
}

// ReadFrame reads a single frame from r and decodes it into v. It never
// reads past the end of the frame, so r can be used for other data
// afterwards.
func ReadFrame(r io.Reader, v interface{}) error {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return errors.WithContext(err, "read frame header")
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return errors.New("frame of %d bytes exceeds maximum %d",
			length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return errors.WithContext(err, "read frame body")
	}

	if err := decMode.Unmarshal(body, v); err != nil {
		return errors.WithContext(err, "decode")
	}
	return nil
}
