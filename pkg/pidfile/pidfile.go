// Package pidfile records the PID of a running zynkd so that init scripts
// can signal it.
package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/afero"

	"github.com/sidkik/zynk/pkg/errors"
)

// Mocked for unit testing.
var (
	fs     = afero.NewOsFs()
	getpid = os.Getpid
	alive  = func(pid int) bool { return syscall.Kill(pid, 0) == nil }
)

// Pidfile is a file containing the PID of the current process.
type Pidfile struct {
	path string
}

// New returns a Pidfile at path. Nothing is written until Write is called.
func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

// Write records the current PID. It fails if the file already names a
// process that's still running.
func (p *Pidfile) Write() error {
	if pid, err := p.Read(); err == nil && pid != getpid() && alive(pid) {
		return errors.NewFriendlyError("zynkd is already running with PID %d "+
			"(according to %s).", pid, p.path)
	}

	if err := fs.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return errors.WithContext(err, "create pidfile directory")
	}

	content := strconv.Itoa(getpid()) + "\n"
	if err := afero.WriteFile(fs, p.path, []byte(content), 0644); err != nil {
		return errors.WithContext(err, "write pidfile")
	}
	return nil
}

// Read returns the PID stored in the file.
func (p *Pidfile) Read() (int, error) {
	data, err := afero.ReadFile(fs, p.path)
	if err != nil {
		return 0, errors.WithContext(err, "read pidfile")
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.WithContext(err, "invalid PID in pidfile")
	}
	return pid, nil
}

// Remove deletes the file if it still names the current process.
func (p *Pidfile) Remove() error {
	if pid, err := p.Read(); err != nil || pid != getpid() {
		return nil
	}
	if err := fs.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove pidfile")
	}
	return nil
}

// Path returns the location of the file.
func (p *Pidfile) Path() string {
	return p.path
}
