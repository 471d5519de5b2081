package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sidkik/zynk/pkg/errors"
)

const (
	// ClientConfigPath is the default path to the zynk client config.
	ClientConfigPath = "~/.zynk.yaml"

	// ClientConfigEnv overrides ClientConfigPath when set.
	ClientConfigEnv = "ZYNK_CONFIG"

	// HostKeyStrict refuses to connect to servers that aren't already
	// trusted.
	HostKeyStrict = "strict"

	// HostKeyAcceptNew trusts servers on first use, and records their
	// fingerprint in the known hosts file.
	HostKeyAcceptNew = "accept-new"
)

// Client contains the configuration used by the zynk command.
type Client struct {
	Version string `json:"version,omitempty"`

	// Name is the identity presented to the daemon. It defaults to the
	// hostname.
	Name           string   `json:"name,omitempty"`
	RsyncPath      string   `json:"rsyncPath,omitempty"`
	KnownHosts     string   `json:"knownHosts,omitempty"`
	HostKeyPolicy  string   `json:"hostKeyPolicy,omitempty"`
	ConnectTimeout Duration `json:"connectTimeout,omitempty"`
	Hosts          []Host   `json:"hosts,omitempty"`

	Path string `json:"-"`
}

// Host describes how to reach and authenticate to a zynkd server.
type Host struct {
	Alias   string `json:"alias"`
	Address string `json:"address"`

	// ServerName overrides the name used to verify the server's
	// certificate. Defaults to the host portion of Address.
	ServerName string `json:"serverName,omitempty"`

	// CA and Fingerprint are alternative ways of verifying the server. If
	// neither is set, the known hosts file is used.
	CA          string `json:"ca,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	Cert      string `json:"cert,omitempty"`
	Key       string `json:"key,omitempty"`
	TokenFile string `json:"tokenFile,omitempty"`
}

func (c Client) getVersion() string {
	return c.Version
}

// Mocked for unit testing.
var (
	getenv   = os.Getenv
	hostname = os.Hostname
)

// GetClientConfigPath returns the expanded path to the client config. An
// explicit path takes precedence over the environment, which takes
// precedence over the default.
func GetClientConfigPath(override string) (string, error) {
	path := ClientConfigPath
	if env := getenv(ClientConfigEnv); env != "" {
		path = env
	}
	if override != "" {
		path = override
	}
	return homedirExpand(path)
}

// ParseClient reads the client config at the given path. A missing file
// results in the default config rather than an error so that commands that
// only need defaults, such as connecting to a known host, still work.
func ParseClient(path string) (Client, error) {
	cfg := Client{Version: InitialConfigVersion}
	err := parseConfig(path, &cfg, SupportedConfigVersion)
	if _, ok := err.(errors.FileNotFound); ok {
		cfg = Client{Version: SupportedConfigVersion}
	} else if err != nil {
		return Client{}, errors.WithContext(err, "parse")
	}

	cfg.Path = path
	if err := cfg.setDefaults(); err != nil {
		return Client{}, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return Client{}, errors.WithContext(err, "resolve paths")
	}
	if err := cfg.validate(); err != nil {
		return Client{}, errors.NewFriendlyError(
			"The zynk config file %q is invalid:\n%s", path, err)
	}
	return cfg, nil
}

// WriteClient writes the given client config to its Path.
func WriteClient(cfg Client) error {
	cfg.Version = SupportedConfigVersion
	return writeConfig(cfg.Path, cfg, 0600)
}

func (c *Client) setDefaults() error {
	if c.Name == "" {
		name, err := hostname()
		if err != nil {
			return errors.WithContext(err, "get hostname")
		}
		c.Name = name
	}
	if c.RsyncPath == "" {
		c.RsyncPath = "rsync"
	}
	if c.KnownHosts == "" {
		c.KnownHosts = "~/.zynk/known_hosts"
	}
	if c.HostKeyPolicy == "" {
		c.HostKeyPolicy = HostKeyStrict
	}
	c.ConnectTimeout = orDefault(c.ConnectTimeout, 15*time.Second)
	return nil
}

func (c *Client) resolvePaths() (err error) {
	if c.KnownHosts, err = resolvePath(c.Path, c.KnownHosts); err != nil {
		return err
	}

	for i := range c.Hosts {
		h := &c.Hosts[i]
		for _, p := range []*string{&h.CA, &h.Cert, &h.Key, &h.TokenFile} {
			if *p, err = resolvePath(c.Path, *p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c Client) validate() error {
	switch c.HostKeyPolicy {
	case HostKeyStrict, HostKeyAcceptNew:
	default:
		return errors.New("unknown hostKeyPolicy %q (expected %q or %q)",
			c.HostKeyPolicy, HostKeyStrict, HostKeyAcceptNew)
	}

	aliases := map[string]struct{}{}
	for i, h := range c.Hosts {
		if err := h.validate(); err != nil {
			return errors.WithContext(err, fmt.Sprintf("hosts[%d]", i))
		}
		if _, ok := aliases[h.Alias]; ok {
			return errors.New("host %q is defined more than once", h.Alias)
		}
		aliases[h.Alias] = struct{}{}
	}
	return nil
}

func (h Host) validate() error {
	if h.Alias == "" {
		return errors.MissingFieldError{Field: "alias"}
	}
	if h.Address == "" {
		return errors.MissingFieldError{Field: "address"}
	}
	if (h.Cert == "") != (h.Key == "") {
		return errors.New("cert and key must be set together")
	}
	if h.Fingerprint != "" && !fingerprintRegex.MatchString(h.Fingerprint) {
		return errors.New("malformed fingerprint %q", h.Fingerprint)
	}
	return nil
}

// Lookup returns the host that should be used to connect to target. Target
// may either be an alias from the config, or an address. Addresses that
// don't match an alias get a Host with no credentials, and default to
// DefaultPort.
func (c Client) Lookup(target string) Host {
	host := Host{Alias: target, Address: target}
	for _, h := range c.Hosts {
		if h.Alias == target {
			host = h
			break
		}
	}

	host.Address = withDefaultPort(host.Address)
	if host.ServerName == "" {
		host.ServerName, _, _ = net.SplitHostPort(host.Address)
	}
	return host
}

// AddHost adds h to the config, replacing any host with the same alias.
func (c *Client) AddHost(h Host) error {
	if err := h.validate(); err != nil {
		return err
	}

	for i := range c.Hosts {
		if c.Hosts[i].Alias == h.Alias {
			c.Hosts[i] = h
			return nil
		}
	}
	c.Hosts = append(c.Hosts, h)
	return nil
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
}
