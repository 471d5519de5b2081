package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/zynk/pkg/errors"
)

// DefaultDaemonConfigPath is where zynkd looks for its configuration when no
// path is given on the command line.
const DefaultDaemonConfigPath = "/etc/zynk/zynkd.yaml"

// Access controls which direction of transfer a client may perform.
type Access string

const (
	// ReadWrite allows both uploads and downloads.
	ReadWrite Access = "read-write"

	// ReadOnly only allows downloads, i.e. rsync runs with --sender.
	ReadOnly Access = "read-only"

	// WriteOnly only allows uploads.
	WriteOnly Access = "write-only"
)

// Daemon is the configuration for zynkd.
type Daemon struct {
	Version          string         `json:"version,omitempty"`
	Listen           string         `json:"listen,omitempty"`
	TLS              DaemonTLS      `json:"tls"`
	RsyncPath        string         `json:"rsyncPath,omitempty"`
	HandshakeTimeout Duration       `json:"handshakeTimeout,omitempty"`
	ShutdownGrace    Duration       `json:"shutdownGrace,omitempty"`
	MaxSessions      int            `json:"maxSessions,omitempty"`
	MaxHandshakes    int            `json:"maxHandshakes,omitempty"`
	Admin            string         `json:"admin,omitempty"`
	Log              Log            `json:"log,omitempty"`
	Audit            Audit          `json:"audit,omitempty"`
	Lockout          Lockout        `json:"lockout,omitempty"`
	Clients          []ClientPolicy `json:"clients"`

	// Path is the file the config was read from. It's not part of the file
	// itself.
	Path string `json:"-"`
}

// DaemonTLS points at the daemon's certificate material.
type DaemonTLS struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`

	// ClientCA, if set, is used to verify client certificates.
	ClientCA string `json:"clientCA,omitempty"`
}

// Log configures the daemon's own log output.
type Log struct {
	File  string `json:"file,omitempty"`
	Level string `json:"level,omitempty"`
}

// Audit configures where authentication decisions and session summaries are
// recorded.
type Audit struct {
	File string `json:"file,omitempty"`
}

// Lockout configures how remote hosts that repeatedly fail authentication
// are throttled.
type Lockout struct {
	MaxFailures int      `json:"maxFailures,omitempty"`
	Window      Duration `json:"window,omitempty"`
	Duration    Duration `json:"duration,omitempty"`
}

// ClientPolicy describes a client that's allowed to connect, how it proves
// its identity, and what it's allowed to touch.
type ClientPolicy struct {
	Name         string   `json:"name"`
	Fingerprints []string `json:"fingerprints,omitempty"`
	TokenHash    string   `json:"tokenHash,omitempty"`
	Root         string   `json:"root"`
	Access       Access   `json:"access,omitempty"`

	// MungeLinks makes rsync store the client's symlinks in a form that
	// can't be followed. It's on unless explicitly set to false.
	MungeLinks *bool `json:"mungeLinks,omitempty"`
}

// ShouldMungeLinks returns whether rsync should run with --munge-links for
// the client.
func (p ClientPolicy) ShouldMungeLinks() bool {
	return p.MungeLinks == nil || *p.MungeLinks
}

func (d Daemon) getVersion() string {
	return d.Version
}

var fingerprintRegex = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// ParseDaemon reads the daemon config at path, fills in defaults, and
// validates it.
func ParseDaemon(path string) (Daemon, error) {
	cfg := Daemon{Version: InitialConfigVersion}
	if err := parseConfig(path, &cfg, SupportedConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Daemon{}, errors.NewFriendlyError(
				"The zynkd config file doesn't exist at %q.", path)
		}
		return Daemon{}, errors.WithContext(err, "parse")
	}

	cfg.Path = path
	cfg.setDefaults()
	if err := cfg.resolvePaths(); err != nil {
		return Daemon{}, errors.WithContext(err, "resolve paths")
	}

	if err := cfg.validate(); err != nil {
		return Daemon{}, errors.NewFriendlyError(
			"The zynkd config file %q is invalid:\n%s", path, err)
	}
	return cfg, nil
}

func (d *Daemon) setDefaults() {
	if d.Listen == "" {
		d.Listen = fmt.Sprintf("0.0.0.0:%d", DefaultPort)
	}
	if d.RsyncPath == "" {
		d.RsyncPath = "rsync"
	}
	if d.MaxSessions == 0 {
		d.MaxSessions = 16
	}
	if d.MaxHandshakes == 0 {
		d.MaxHandshakes = 8
	}
	if d.Admin == "" {
		d.Admin = "/run/zynkd/admin.sock"
	}
	if d.Log.Level == "" {
		d.Log.Level = "info"
	}
	if d.Lockout.MaxFailures == 0 {
		d.Lockout.MaxFailures = 5
	}
	d.HandshakeTimeout = orDefault(d.HandshakeTimeout, 10*time.Second)
	d.ShutdownGrace = orDefault(d.ShutdownGrace, 30*time.Second)
	d.Lockout.Window = orDefault(d.Lockout.Window, 5*time.Minute)
	d.Lockout.Duration = orDefault(d.Lockout.Duration, 15*time.Minute)

	for i := range d.Clients {
		if d.Clients[i].Access == "" {
			d.Clients[i].Access = ReadWrite
		}
		for j, fp := range d.Clients[i].Fingerprints {
			d.Clients[i].Fingerprints[j] = strings.ToLower(strings.TrimSpace(fp))
		}
	}
}

func (d *Daemon) resolvePaths() (err error) {
	for _, p := range []*string{&d.TLS.Cert, &d.TLS.Key, &d.TLS.ClientCA,
		&d.Log.File, &d.Audit.File} {
		if *p, err = resolvePath(d.Path, *p); err != nil {
			return err
		}
	}
	return nil
}

func (d Daemon) validate() error {
	if d.TLS.Cert == "" {
		return errors.MissingFieldError{Field: "tls.cert"}
	}
	if d.TLS.Key == "" {
		return errors.MissingFieldError{Field: "tls.key"}
	}
	if d.MaxSessions < 0 {
		return errors.New("maxSessions must be positive")
	}
	if d.MaxHandshakes < 0 {
		return errors.New("maxHandshakes must be positive")
	}
	if d.Lockout.MaxFailures < 0 {
		return errors.New("lockout.maxFailures must be positive")
	}
	if _, err := log.ParseLevel(d.Log.Level); err != nil {
		return errors.WithContext(err, "log.level")
	}

	names := map[string]struct{}{}
	for i, client := range d.Clients {
		if client.Name == "" {
			return errors.MissingFieldError{Field: fmt.Sprintf("clients[%d].name", i)}
		}
		if _, ok := names[client.Name]; ok {
			return errors.New("client %q is defined more than once", client.Name)
		}
		names[client.Name] = struct{}{}

		if err := client.validate(d.TLS.ClientCA != ""); err != nil {
			return errors.WithContext(err, fmt.Sprintf("client %q", client.Name))
		}
	}
	return nil
}

func (p ClientPolicy) validate(haveCA bool) error {
	if p.Root == "" {
		return errors.MissingFieldError{Field: "root"}
	}
	if !filepath.IsAbs(p.Root) {
		return errors.New("root must be an absolute path, got %q", p.Root)
	}

	switch p.Access {
	case ReadWrite, ReadOnly, WriteOnly:
	default:
		return errors.New("unknown access mode %q (expected %q, %q, or %q)",
			p.Access, ReadWrite, ReadOnly, WriteOnly)
	}

	for _, fp := range p.Fingerprints {
		if !fingerprintRegex.MatchString(fp) {
			return errors.New("malformed fingerprint %q "+
				"(expected sha256: followed by 64 hex characters)", fp)
		}
	}

	if p.TokenHash != "" && !strings.HasPrefix(p.TokenHash, "scrypt$") {
		return errors.New("tokenHash must be generated with `zynk token hash`")
	}

	if len(p.Fingerprints) == 0 && p.TokenHash == "" && !haveCA {
		return errors.New("no authentication method: set fingerprints or " +
			"tokenHash, or configure tls.clientCA")
	}
	return nil
}

// Client returns the policy for the client with the given name.
func (d Daemon) Client(name string) (ClientPolicy, bool) {
	for _, client := range d.Clients {
		if client.Name == name {
			return client, true
		}
	}
	return ClientPolicy{}, false
}
