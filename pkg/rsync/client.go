package rsync

import (
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/sidkik/zynk/pkg/errors"
)

// RemoteShell returns the value for rsync's -e option that makes rsync
// connect through `zynk tunnel`.
func RemoteShell(self, configPath string) string {
	args := []string{self, "tunnel"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return shellquote.Join(args...)
}

// SyncArgs builds the argv for running rsync through the tunnel. The
// remote shell is always zynk, so user supplied remote shells are refused.
func SyncArgs(rsyncPath, self, configPath string, userArgs []string) ([]string, error) {
	for _, arg := range userArgs {
		if arg == "--" {
			break
		}
		if setsRemoteShell(arg) {
			return nil, errors.NewFriendlyError("zynk always uses itself as "+
				"rsync's remote shell, so %q can't be used.", arg)
		}
	}

	argv := []string{rsyncPath, "-e", RemoteShell(self, configPath)}
	return append(argv, userArgs...), nil
}

func setsRemoteShell(arg string) bool {
	if arg == "--rsh" || strings.HasPrefix(arg, "--rsh=") {
		return true
	}
	if strings.HasPrefix(arg, "--") || !strings.HasPrefix(arg, "-") {
		return false
	}

	for _, c := range arg[1:] {
		switch c {
		case 'e':
			return true
		// The rest of the cluster is the value of the option.
		case 'B', 'f', 'M', 'T', '@':
			return false
		}
	}
	return false
}
