package tunnel

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/client"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/protocol"
)

// failureExitCode is returned when the tunnel can't be established. It
// matches ssh so that rsync reports it the same way.
const failureExitCode = 255

// Variables mocked for unit testing.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
	exit             = atexit.Exit
	dial             = client.Dial
)

type options struct {
	configPath string
	user       string
	host       string
	command    []string
}

// New creates the hidden `tunnel` command. rsync runs it as its remote
// shell, the same way it would run ssh:
//
//	zynk tunnel [--config PATH] [-l USER] HOST COMMAND...
func New() *cobra.Command {
	return &cobra.Command{
		Use:    "tunnel [--config PATH] [-l USER] HOST COMMAND...",
		Short:  "Connect rsync to a zynkd server",
		Hidden: true,

		// The remote command contains rsync's own flags, so arguments are
		// parsed manually.
		DisableFlagParsing: true,
		Run: func(_ *cobra.Command, args []string) {
			exit(run(args))
		},
	}
}

func run(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "zynk tunnel: %s\n", errors.GetPrintableMessage(err))
		return failureExitCode
	}

	cfg, err := util.ParseClientConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "zynk tunnel: %s\n", errors.GetPrintableMessage(err))
		return failureExitCode
	}

	tunnel, err := dial(context.Background(), cfg, opts.host, client.Request{
		Mode:    protocol.ModeExec,
		User:    opts.user,
		Command: strings.Join(opts.command, " "),
	})
	if err != nil {
		log.WithError(err).WithField("host", opts.host).Debug("Failed to open tunnel")
		fmt.Fprintf(stderr, "zynk tunnel: %s\n", errors.GetPrintableMessage(err))
		return failureExitCode
	}
	defer tunnel.Close()

	if err := tunnel.Run(stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "zynk tunnel: connection to %s lost: %s\n", opts.host, err)
		return failureExitCode
	}
	return 0
}

// parseArgs parses the arguments the same way ssh does: options come
// first, then the host, and everything after the host is the command.
func parseArgs(args []string) (opts options, err error) {
	for len(args) > 0 {
		arg := args[0]
		args = args[1:]

		switch {
		case arg == "--":
			if len(args) == 0 {
				return options{}, errors.New("missing host")
			}
			opts.host, opts.command = args[0], args[1:]
			return opts, opts.check()

		case arg == "--config" || arg == "-l":
			if len(args) == 0 {
				return options{}, errors.New("%s requires a value", arg)
			}
			if arg == "--config" {
				opts.configPath = args[0]
			} else {
				opts.user = args[0]
			}
			args = args[1:]

		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimPrefix(arg, "--config=")

		case strings.HasPrefix(arg, "-l"):
			opts.user = strings.TrimPrefix(arg, "-l")

		case strings.HasPrefix(arg, "-"):
			return options{}, errors.New("unknown option %q", arg)

		default:
			opts.host, opts.command = arg, args
			return opts, opts.check()
		}
	}
	return options{}, errors.New("missing host")
}

func (opts options) check() error {
	if len(opts.command) == 0 {
		return errors.NewFriendlyError("No command given. zynk tunnel is run by " +
			"rsync and isn't meant to be used directly. Use `zynk sync` instead.")
	}
	return nil
}
