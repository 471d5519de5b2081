package access

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/zynk/ci/util"
	"github.com/sidkik/zynk/pkg/config"
)

// Test checks that zynkd enforces each client's policy.
func Test(t *testing.T, helper *util.TestHelper) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	local, err := ioutil.TempDir("", "zynk-access")
	require.NoError(t, err)
	defer os.RemoveAll(local)
	require.NoError(t, ioutil.WriteFile(filepath.Join(local, "f"), []byte("f"), 0644))

	t.Run("Check", func(t *testing.T) {
		out, err := helper.Zynk(ctx, "check", "--config", helper.WriterConfig)
		assert.NoError(t, err, "%s", out)
		assert.Contains(t, string(out), util.HostAlias)
	})

	t.Run("ReadOnlyUpload", func(t *testing.T) {
		out, err := helper.Sync(ctx, helper.ReaderConfig,
			"-a", local+"/", util.HostAlias+":readonly/")
		assert.Error(t, err)
		assert.Contains(t, string(out), "may only download")

		_, err = os.Stat(filepath.Join(helper.SharedRoot, "readonly"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("EscapeRoot", func(t *testing.T) {
		out, err := helper.Sync(ctx, helper.WriterConfig,
			"-a", local+"/", util.HostAlias+":../escaped/")
		assert.Error(t, err)
		assert.Contains(t, string(out), "zynkd refused the rsync command")

		_, err = os.Stat(filepath.Join(filepath.Dir(helper.SharedRoot), "escaped"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("WrongToken", func(t *testing.T) {
		cfgPath := withWrongToken(t, helper.WriterConfig)
		out, err := helper.Sync(ctx, cfgPath, "-a", local+"/", util.HostAlias+":wrong/")
		assert.Error(t, err)
		assert.Contains(t, string(out), "Authentication failed.")
	})
}

// withWrongToken copies the client config at path, replacing its token with
// one zynkd doesn't know.
func withWrongToken(t *testing.T, path string) string {
	raw, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	var cfg config.Client
	require.NoError(t, yaml.Unmarshal(raw, &cfg))

	dir := filepath.Dir(path)
	tokenPath := filepath.Join(dir, "wrong.token")
	require.NoError(t, ioutil.WriteFile(tokenPath, []byte("not the token\n"), 0600))
	for i := range cfg.Hosts {
		cfg.Hosts[i].TokenFile = tokenPath
	}

	raw, err = yaml.Marshal(cfg)
	require.NoError(t, err)
	cfgPath := filepath.Join(dir, "wrong-token.yaml")
	require.NoError(t, ioutil.WriteFile(cfgPath, raw, 0600))
	return cfgPath
}
