// Package secret keeps pre-shared tokens out of ordinary memory.
package secret

import (
	"bytes"
	"encoding/base64"

	"github.com/awnumar/memguard"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/zynk/pkg/errors"
)

// fs is mocked for unit testing.
var fs = afero.NewOsFs()

// Token is a pre-shared token held in a locked, guarded buffer. The zero
// value and nil are both empty tokens.
type Token struct {
	buf *memguard.LockedBuffer
}

// New moves b into a guarded buffer. b is wiped.
func New(b []byte) *Token {
	return &Token{buf: memguard.NewBufferFromBytes(b)}
}

// ReadFile reads a token from path. Surrounding whitespace is ignored, and
// an empty file is an error.
func ReadFile(path string) (*Token, error) {
	if info, err := fs.Stat(path); err == nil && info.Mode().Perm()&0077 != 0 {
		log.WithField("path", path).Warn(
			"Token file is accessible by other users. " +
				"Consider running `chmod 600` on it.")
	}

	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, "read token")
	}
	defer memguard.WipeBytes(contents)

	trimmed := bytes.TrimSpace(contents)
	if len(trimmed) == 0 {
		return nil, errors.NewFriendlyError("The token file %q is empty.", path)
	}

	// Copy out of contents so that it can be wiped in full.
	token := make([]byte, len(trimmed))
	copy(token, trimmed)
	return New(token), nil
}

// Generate creates a random token suitable for writing to a token file.
func Generate() *Token {
	raw := memguard.NewBufferRandom(32)
	defer raw.Destroy()

	encoded := make([]byte, base64.RawURLEncoding.EncodedLen(raw.Size()))
	base64.RawURLEncoding.Encode(encoded, raw.Bytes())
	return New(encoded)
}

// Bytes returns a copy of the token. Callers should wipe it with Wipe once
// they're done with it.
func (t *Token) Bytes() []byte {
	if t.Empty() {
		return nil
	}
	b := t.buf.Bytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Empty returns whether the token has no content.
func (t *Token) Empty() bool {
	return t == nil || t.buf == nil || !t.buf.IsAlive() || t.buf.Size() == 0
}

// Destroy wipes the token. The token is empty afterwards.
func (t *Token) Destroy() {
	if t == nil || t.buf == nil {
		return
	}
	t.buf.Destroy()
	t.buf = nil
}

// Wipe zeroes b.
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}

// Purge destroys every guarded buffer. It's meant to be run on exit.
func Purge() {
	memguard.Purge()
}
