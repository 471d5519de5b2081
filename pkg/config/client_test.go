package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockHome(t *testing.T) {
	oldExpand, oldHostname, oldGetenv := homedirExpand, hostname, getenv
	t.Cleanup(func() {
		homedirExpand, hostname, getenv = oldExpand, oldHostname, oldGetenv
	})

	homedirExpand = func(path string) (string, error) {
		if strings.HasPrefix(path, "~") {
			return "/home/user" + strings.TrimPrefix(path, "~"), nil
		}
		return path, nil
	}
	hostname = func() (string, error) { return "workstation", nil }
	getenv = func(string) string { return "" }
}

func TestGetClientConfigPath(t *testing.T) {
	mockHome(t)

	path, err := GetClientConfigPath("")
	assert.NoError(t, err)
	assert.Equal(t, "/home/user/.zynk.yaml", path)

	getenv = func(key string) string {
		assert.Equal(t, ClientConfigEnv, key)
		return "~/alt.yaml"
	}
	path, err = GetClientConfigPath("")
	assert.NoError(t, err)
	assert.Equal(t, "/home/user/alt.yaml", path)

	path, err = GetClientConfigPath("/explicit.yaml")
	assert.NoError(t, err)
	assert.Equal(t, "/explicit.yaml", path)
}

func TestParseClient(t *testing.T) {
	mockHome(t)
	path := "/home/user/.zynk.yaml"

	tests := []struct {
		name      string
		input     string
		expConfig Client
		expError  string
	}{
		{
			name: "Defaults",
			input: `
hosts:
- alias: backup
  address: backup.example.com
  cert: .zynk/client.crt
  key: ~/.zynk/client.key
  tokenFile: /etc/token
`,
			expConfig: Client{
				Version:        SupportedConfigVersion,
				Name:           "workstation",
				RsyncPath:      "rsync",
				KnownHosts:     "/home/user/.zynk/known_hosts",
				HostKeyPolicy:  HostKeyStrict,
				ConnectTimeout: Duration{15 * time.Second},
				Hosts: []Host{{
					Alias:     "backup",
					Address:   "backup.example.com",
					Cert:      "/home/user/.zynk/client.crt",
					Key:       "/home/user/.zynk/client.key",
					TokenFile: "/etc/token",
				}},
				Path: path,
			},
		},
		{
			name:     "BadPolicy",
			input:    "hostKeyPolicy: yolo",
			expError: `unknown hostKeyPolicy "yolo"`,
		},
		{
			name:     "CertWithoutKey",
			input:    "hosts: [{alias: a, address: b, cert: c}]",
			expError: "cert and key must be set together",
		},
		{
			name:     "DuplicateAlias",
			input:    "hosts: [{alias: a, address: b}, {alias: a, address: c}]",
			expError: `host "a" is defined more than once`,
		},
		{
			name:     "MissingAddress",
			input:    "hosts: [{alias: a}]",
			expError: "missing required field: address",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs = afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, path, []byte(test.input), 0644))

			cfg, err := ParseClient(path)
			if test.expError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), test.expError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expConfig, cfg)
		})
	}
}

func TestParseClientMissingFile(t *testing.T) {
	mockHome(t)
	fs = afero.NewMemMapFs()

	cfg, err := ParseClient("/home/user/.zynk.yaml")
	require.NoError(t, err)
	assert.Equal(t, "workstation", cfg.Name)
	assert.Equal(t, HostKeyStrict, cfg.HostKeyPolicy)
	assert.Empty(t, cfg.Hosts)
}

func TestWriteClient(t *testing.T) {
	mockHome(t)
	fs = afero.NewMemMapFs()
	path := "/home/user/.zynk.yaml"

	cfg, err := ParseClient(path)
	require.NoError(t, err)
	require.NoError(t, cfg.AddHost(Host{Alias: "nas", Address: "10.0.0.2:9000"}))
	require.NoError(t, WriteClient(cfg))

	info, err := fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().String())

	parsed, err := ParseClient(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestAddHost(t *testing.T) {
	var cfg Client
	assert.Error(t, cfg.AddHost(Host{Alias: "a"}))

	assert.NoError(t, cfg.AddHost(Host{Alias: "a", Address: "one"}))
	assert.NoError(t, cfg.AddHost(Host{Alias: "b", Address: "two"}))
	assert.NoError(t, cfg.AddHost(Host{Alias: "a", Address: "three"}))
	assert.Equal(t, []Host{
		{Alias: "a", Address: "three"},
		{Alias: "b", Address: "two"},
	}, cfg.Hosts)
}

func TestLookup(t *testing.T) {
	cfg := Client{Hosts: []Host{
		{Alias: "nas", Address: "10.0.0.2", TokenFile: "/token"},
		{Alias: "pinned", Address: "backup.example.com:9000", ServerName: "backup"},
	}}

	tests := []struct {
		target string
		exp    Host
	}{
		{
			target: "nas",
			exp: Host{Alias: "nas", Address: "10.0.0.2:8873",
				ServerName: "10.0.0.2", TokenFile: "/token"},
		},
		{
			target: "pinned",
			exp: Host{Alias: "pinned", Address: "backup.example.com:9000",
				ServerName: "backup"},
		},
		{
			target: "other.example.com",
			exp: Host{Alias: "other.example.com",
				Address: "other.example.com:8873", ServerName: "other.example.com"},
		},
		{
			target: "other.example.com:22",
			exp: Host{Alias: "other.example.com:22",
				Address: "other.example.com:22", ServerName: "other.example.com"},
		},
		{
			target: "::1",
			exp:    Host{Alias: "::1", Address: "[::1]:8873", ServerName: "::1"},
		},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, cfg.Lookup(test.target), test.target)
	}
}
