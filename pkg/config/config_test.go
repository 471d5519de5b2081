package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/sidkik/zynk/pkg/errors"
)

func TestDuration(t *testing.T) {
	var d Duration
	assert.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := json.Marshal(d)
	assert.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`90`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"ninety"`), &d))
}

func TestResolvePath(t *testing.T) {
	mockHome(t)

	tests := []struct {
		path, exp string
	}{
		{"", ""},
		{"/abs/file", "/abs/file"},
		{"rel/file", "/etc/zynk/rel/file"},
		{"~/file", "/home/user/file"},
	}
	for _, test := range tests {
		res, err := resolvePath("/etc/zynk/zynkd.yaml", test.path)
		assert.NoError(t, err)
		assert.Equal(t, test.exp, res)
	}
}

func TestParseConfigNotFound(t *testing.T) {
	fs = afero.NewMemMapFs()
	err := parseConfig("/missing.yaml", &Client{}, SupportedConfigVersion)
	assert.Equal(t, errors.FileNotFound{Path: "/missing.yaml"}, err)
}

func TestIncompatibleVersion(t *testing.T) {
	fs = afero.NewMemMapFs()
	assert.NoError(t, afero.WriteFile(fs, "/c.yaml", []byte("version: v0"), 0644))

	err := parseConfig("/c.yaml", &Client{}, SupportedConfigVersion)
	assert.Equal(t, incompatibleVersionError{
		path:   "/c.yaml",
		exp:    SupportedConfigVersion,
		actual: "v0",
	}, err)
}
