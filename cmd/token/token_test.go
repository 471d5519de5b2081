package token

import (
	"bytes"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/zynk/pkg/auth"
	"github.com/sidkik/zynk/pkg/errors"
)

func TestGenerate(t *testing.T) {
	fs = afero.NewMemMapFs()
	var out bytes.Buffer
	stdout = &out
	defer func() { stdout = os.Stdout }()

	require.NoError(t, generate("/home/user/.zynk/nas.token"))

	token, err := afero.ReadFile(fs, "/home/user/.zynk/nas.token")
	require.NoError(t, err)
	token = bytes.TrimSpace(token)
	assert.Len(t, token, 43)

	info, err := fs.Stat("/home/user/.zynk/nas.token")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	hash := regexp.MustCompile(`tokenHash: (\S+)`).FindStringSubmatch(out.String())
	require.Len(t, hash, 2)
	ok, err := auth.VerifyToken(hash[1], token)
	assert.NoError(t, err)
	assert.True(t, ok)

	// Existing tokens aren't overwritten.
	err = generate("/home/user/.zynk/nas.token")
	assert.True(t, errors.IsFriendly(err))
}

func TestHashStdin(t *testing.T) {
	isTerm = func() bool { return false }
	defer func() { stdin = os.Stdin }()

	stdin = strings.NewReader("  hunter2  \n")
	hash, err := hashStdin()
	require.NoError(t, err)
	ok, err := auth.VerifyToken(hash, []byte("hunter2"))
	assert.NoError(t, err)
	assert.True(t, ok)

	stdin = strings.NewReader("\n")
	_, err = hashStdin()
	assert.True(t, errors.IsFriendly(err))
}

func TestHashTerminal(t *testing.T) {
	isTerm = func() bool { return true }
	readPass = func() ([]byte, error) { return []byte("hunter2"), nil }

	hash, err := hashStdin()
	require.NoError(t, err)
	ok, err := auth.VerifyToken(hash, []byte("hunter2"))
	assert.NoError(t, err)
	assert.True(t, ok)
}
