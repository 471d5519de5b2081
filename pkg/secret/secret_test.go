package secret

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/zynk/pkg/errors"
)

func TestReadFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/token", []byte("  hunter2\n"), 0600))
	require.NoError(t, afero.WriteFile(fs, "/empty", []byte(" \n"), 0600))

	token, err := ReadFile("/token")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), token.Bytes())

	token.Destroy()
	assert.True(t, token.Empty())
	assert.Nil(t, token.Bytes())

	_, err = ReadFile("/empty")
	assert.True(t, errors.IsFriendly(err))

	_, err = ReadFile("/missing")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	src := []byte("secret")
	token := New(src)
	defer token.Destroy()

	assert.Equal(t, []byte("secret"), token.Bytes())
	assert.Equal(t, make([]byte, 6), src, "source should be wiped")
}

func TestGenerate(t *testing.T) {
	a, b := Generate(), Generate()
	defer a.Destroy()
	defer b.Destroy()

	assert.Len(t, a.Bytes(), 43)
	assert.NotEqual(t, a.Bytes(), b.Bytes())
}

func TestEmpty(t *testing.T) {
	var nilToken *Token
	assert.True(t, nilToken.Empty())
	assert.Nil(t, nilToken.Bytes())
	nilToken.Destroy()

	assert.True(t, (&Token{}).Empty())
}
