// Package rsync understands just enough of rsync's command line to run it
// through the zynk tunnel safely.
//
// On the client, rsync is pointed at `zynk tunnel` as its remote shell. On
// the daemon, the command that rsync asked the remote shell to run is
// checked, confined to the client's root directory, and rewritten before
// it's executed.
package rsync

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
)

// refusedOptions are long options that would let a client escape its root,
// write files outside of it, or hide arguments from validation.
var refusedOptions = map[string]struct{}{
	"daemon":           {},
	"config":           {},
	"log-file":         {},
	"write-batch":      {},
	"only-write-batch": {},
	"read-batch":       {},
	"protect-args":     {},
	"secluded-args":    {},
	"rsh":              {},
}

// valueOptions are long options that may be followed by their value as a
// separate argument. Options whose value is a path are confined to the
// client's root.
var valueOptions = map[string]bool{
	"temp-dir":      true,
	"partial-dir":   true,
	"backup-dir":    true,
	"compare-dest":  true,
	"copy-dest":     true,
	"link-dest":     true,
	"files-from":    true,
	"exclude-from":  true,
	"include-from":  true,
	"suffix":        false,
	"timeout":       false,
	"bwlimit":       false,
	"max-delete":    false,
	"max-size":      false,
	"min-size":      false,
	"modify-window": false,
	"chmod":         false,
	"usermap":       false,
	"groupmap":      false,
	"chown":         false,
	"iconv":         false,
	"out-format":    false,
	"log-format":    false,
	"info":          false,
	"debug":         false,
	"checksum-seed": false,
	"block-size":    false,
	"max-alloc":     false,
}

// Command is the parsed form of an `rsync --server` command line.
type Command struct {
	Options []string
	Paths   []string

	// Sender is true if the server sends files, i.e. the client is
	// downloading.
	Sender bool
}

// Invocation is a validated command that's ready to run.
type Invocation struct {
	Argv   []string
	Dir    string
	Sender bool
}

// refused builds the error sent to clients whose command was rejected.
func refused(format string, args ...interface{}) error {
	return errors.NewFriendlyError("zynkd refused the rsync command: %s",
		fmt.Sprintf(format, args...))
}

// ParseServerCommand splits a command line sent by the client's rsync and
// checks that it's a plain rsync server invocation.
func ParseServerCommand(line string) (Command, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return Command{}, refused("%s", err)
	}

	if len(argv) < 2 || path.Base(argv[0]) != "rsync" {
		return Command{}, refused("only rsync can be run")
	}
	if argv[1] != "--server" {
		return Command{}, refused("rsync must be run in server mode")
	}

	var cmd Command
	args := argv[2:]
	for len(args) > 0 {
		arg := args[0]
		args = args[1:]

		if arg == "." {
			cmd.Paths = args
			if len(cmd.Paths) == 0 {
				return Command{}, refused("no path given")
			}
			return cmd, nil
		}

		switch {
		case strings.HasPrefix(arg, "--"):
			name, _, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
			if _, ok := refusedOptions[name]; ok {
				return Command{}, refused("--%s is not allowed", name)
			}
			if name == "sender" {
				cmd.Sender = true
			}

			// Values given as separate arguments are joined so that
			// each option is a single element of Options.
			if _, ok := valueOptions[name]; ok && !hasValue {
				if len(args) == 0 {
					return Command{}, refused("--%s requires a value", name)
				}
				arg = arg + "=" + args[0]
				args = args[1:]
			}
			cmd.Options = append(cmd.Options, arg)

		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			opts, err := splitShortOptions(arg, &args)
			if err != nil {
				return Command{}, err
			}
			cmd.Options = append(cmd.Options, opts...)

		default:
			return Command{}, refused("unexpected argument %q", arg)
		}
	}
	return Command{}, refused("missing \".\" argument")
}

// splitShortOptions checks a cluster of short options such as
// "-vlogDtpre.iLsfxC". In server mode, "e" introduces the capability flags,
// so everything after it is ignored. Options that take a value are
// converted to their long form. Their value is either the rest of the
// cluster, or the next argument, which is consumed from rest.
func splitShortOptions(cluster string, rest *[]string) ([]string, error) {
	if cluster == "-e" {
		return nil, refused("-e is not allowed")
	}

	for i := 1; i < len(cluster); i++ {
		var long string
		switch cluster[i] {
		case 'e':
			return []string{cluster}, nil
		case 's':
			return nil, refused("protected arguments (-s) are not allowed")
		case 'T':
			long = "--temp-dir"
		case 'B':
			long = "--block-size"
		default:
			continue
		}

		value := cluster[i+1:]
		if value == "" {
			if len(*rest) == 0 {
				return nil, refused("%s requires a value", long)
			}
			value, *rest = (*rest)[0], (*rest)[1:]
		}

		var opts []string
		if i > 1 {
			opts = append(opts, cluster[:i])
		}
		return append(opts, long+"="+value), nil
	}
	return []string{cluster}, nil
}

// Validate checks cmd against the client's policy, and builds the argv that
// should be executed. Paths are rewritten to stay within the client's root.
func Validate(cmd Command, policy config.ClientPolicy, rsyncPath string) (Invocation, error) {
	switch {
	case policy.Access == config.ReadOnly && !cmd.Sender:
		return Invocation{}, refused("client %q may only download", policy.Name)
	case policy.Access == config.WriteOnly && cmd.Sender:
		return Invocation{}, refused("client %q may only upload", policy.Name)
	}

	argv := []string{rsyncPath, "--server"}
	if policy.ShouldMungeLinks() {
		if contains(cmd.Options, "--no-munge-links") {
			return Invocation{}, refused("--no-munge-links is not allowed")
		}
		if !contains(cmd.Options, "--munge-links") {
			argv = append(argv, "--munge-links")
		}
	}

	options, err := confineOptions(cmd.Options, policy.Root)
	if err != nil {
		return Invocation{}, err
	}
	argv = append(argv, options...)
	argv = append(argv, ".")

	// Relative path options are resolved by rsync against the destination
	// directory, so they're checked against every path.
	bases := []string{policy.Root}
	for _, p := range cmd.Paths {
		confined, err := confinePath(policy.Root, p)
		if err != nil {
			return Invocation{}, err
		}
		argv = append(argv, confined)

		full := filepath.Join(policy.Root, strings.Replace(confined, "/./", "/", 1))
		if err := checkLinks(policy.Root, full, p); err != nil {
			return Invocation{}, err
		}
		bases = append(bases, full)
	}

	for _, opt := range options {
		name, value, ok := strings.Cut(strings.TrimPrefix(opt, "--"), "=")
		if !ok || !valueOptions[name] || (name == "files-from" && value == "-") {
			continue
		}

		if filepath.IsAbs(value) {
			if err := checkLinks(policy.Root, value, value); err != nil {
				return Invocation{}, err
			}
			continue
		}
		for _, base := range bases {
			if err := checkLinks(policy.Root, filepath.Join(base, value), value); err != nil {
				return Invocation{}, err
			}
		}
	}

	return Invocation{Argv: argv, Dir: policy.Root, Sender: cmd.Sender}, nil
}

// checkLinks refuses p if following the symlinks in the part of it that
// already exists leads outside of root. The original path is only used in
// the error message.
func checkLinks(root, p, original string) error {
	resolvedRoot, err := resolveExisting(root)
	if err != nil {
		return refused("failed to resolve the root directory: %s", err)
	}

	resolved, err := resolveExisting(p)
	if err != nil {
		return refused("failed to resolve path %q: %s", original, err)
	}

	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || !filepath.IsLocal(rel) {
		return refused("path %q escapes the root directory through a symlink", original)
	}
	return nil
}

// resolveExisting evaluates the symlinks in the longest prefix of p that
// exists, and appends the rest of p unchanged. Dangling symlinks are errors
// since rsync could create their target.
func resolveExisting(p string) (string, error) {
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		if _, err := os.Lstat(p); err == nil {
			return "", errors.New("dangling symlink %s", p)
		}

		parent := filepath.Dir(p)
		if parent == p {
			return filepath.Join(append([]string{p}, missing...)...), nil
		}
		missing = append([]string{filepath.Base(p)}, missing...)
		p = parent
	}
}

func confineOptions(options []string, root string) ([]string, error) {
	var confined []string
	for _, opt := range options {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(opt, "--"), "=")
		if !strings.HasPrefix(opt, "--") || !hasValue || !valueOptions[name] {
			confined = append(confined, opt)
			continue
		}

		// A files-from value of "-" means that the list is sent by the
		// client.
		if value == "-" && name == "files-from" {
			confined = append(confined, opt)
			continue
		}

		confinedValue, err := confineOptionPath(root, value)
		if err != nil {
			return nil, err
		}
		confined = append(confined, "--"+name+"="+confinedValue)
	}
	return confined, nil
}

// confinePath rewrites a source or destination path so that it's relative
// to the client's root, which is the working directory of the rsync
// process. The "/./" marker used by --relative is preserved.
func confinePath(root, p string) (string, error) {
	prefix, implied, hasMarker := strings.Cut(p, "/./")

	rel, err := rootRelative(root, prefix)
	if err != nil {
		return "", err
	}

	if hasMarker {
		if !filepath.IsLocal(filepath.Clean(implied)) && implied != "" {
			return "", refused("path %q escapes the root directory", p)
		}
		return rel + "/./" + implied, nil
	}

	if strings.HasSuffix(p, "/") && !strings.HasSuffix(rel, "/") {
		rel += "/"
	}
	if strings.HasPrefix(rel, "-") {
		rel = "./" + rel
	}
	return rel, nil
}

// confineOptionPath rewrites the value of a path option. Relative values
// are interpreted by rsync relative to the destination directory, so they're
// kept relative. Absolute values are re-rooted.
func confineOptionPath(root, p string) (string, error) {
	rel, err := rootRelative(root, p)
	if err != nil {
		return "", err
	}

	if isAbs(p) {
		return filepath.Join(root, rel), nil
	}
	return rel, nil
}

// rootRelative returns p relative to root. Absolute paths and paths
// starting with `~` are treated as if root was `/` or the home directory.
// Paths that escape root are refused.
func rootRelative(root, p string) (string, error) {
	trimmed := p
	switch {
	case trimmed == "~":
		trimmed = ""
	case strings.HasPrefix(trimmed, "~/"):
		trimmed = trimmed[2:]
	case strings.HasPrefix(trimmed, "~"):
		return "", refused("path %q refers to another user's home", p)
	}
	trimmed = strings.TrimLeft(trimmed, "/")

	full := filepath.Join(root, trimmed)
	rel, err := filepath.Rel(root, full)
	if err != nil || !filepath.IsLocal(rel) {
		return "", refused("path %q escapes the root directory", p)
	}
	return rel, nil
}

func isAbs(p string) bool {
	return strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~")
}

func contains(strs []string, target string) bool {
	for _, s := range strs {
		if s == target {
			return true
		}
	}
	return false
}
