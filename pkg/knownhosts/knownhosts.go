// Package knownhosts remembers the certificate fingerprints of zynkd
// servers so that later connections can detect impersonation. Each line of
// the file is an address followed by a fingerprint. Lines starting with #
// are comments.
package knownhosts

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
)

// fs is mocked for unit testing.
var fs = afero.NewOsFs()

const changedTemplate = `The certificate of %s has changed!
It's possible that someone is intercepting the connection.
Expected fingerprint: %s
Received fingerprint: %s
If the server's certificate was legitimately replaced, remove the line for
%s from %s.`

const unknownTemplate = `The authenticity of %s can't be established.
Its certificate fingerprint is %s.
If this is correct, either pin it with
    zynk config add-host --fingerprint %s ...
or set hostKeyPolicy to %q in the zynk config to trust servers on first use.`

// Lookup returns the fingerprint recorded for host.
func Lookup(path, host string) (string, bool, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.WithContext(err, "open")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			log.WithField("path", path).WithField("line", line).
				Debug("Ignoring malformed known hosts line")
			continue
		}
		if fields[0] == host {
			return fields[1], true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", false, errors.WithContext(err, "read")
	}
	return "", false, nil
}

// Add records the fingerprint of host.
func Add(path, host, fingerprint string) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.WithContext(err, "make parent")
	}

	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s\n", host, fingerprint); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// Check verifies that fingerprint is the expected one for host. Hosts that
// haven't been seen before are recorded if policy is
// config.HostKeyAcceptNew. A fingerprint that differs from the recorded one
// is always an error.
func Check(path, host, fingerprint, policy string) error {
	known, ok, err := Lookup(path, host)
	if err != nil {
		return errors.WithContext(err, "read known hosts")
	}

	switch {
	case ok && known == fingerprint:
		return nil
	case ok:
		return errors.NewFriendlyError(changedTemplate, host, known, fingerprint,
			host, path)
	case policy != config.HostKeyAcceptNew:
		return errors.NewFriendlyError(unknownTemplate, host, fingerprint,
			fingerprint, config.HostKeyAcceptNew)
	}

	if err := Add(path, host, fingerprint); err != nil {
		return errors.WithContext(err, "add known host")
	}
	log.WithField("fingerprint", fingerprint).
		Warnf("Permanently added %s to the list of known hosts", host)
	return nil
}
