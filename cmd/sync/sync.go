package sync

import (
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/rsync"
)

// Variables mocked for unit testing.
var (
	executable = os.Executable
	runRsync   = runRsyncImpl
	exit       = atexit.Exit
)

// New creates a new `sync` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sync [--config PATH] [--] RSYNC_ARGS...",
		Short: "Run rsync through a zynk tunnel",
		Long: "Run rsync with zynk as its remote shell. The arguments are passed\n" +
			"to rsync unchanged, so remote paths are written as usual, for\n" +
			"example `zynk sync -- -av ./photos nas:photos/`. The exit code is\n" +
			"rsync's.",
		Args: cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			code, err := run(configPath, args)
			if err != nil {
				util.HandleFatalError(err)
			}
			exit(code)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "",
		"path to the zynk config (default ~/.zynk.yaml)")

	// Stop parsing flags at the first rsync argument.
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func run(configPath string, args []string) (int, error) {
	cfg, err := util.ParseClientConfig(configPath)
	if err != nil {
		return 0, err
	}

	self, err := executable()
	if err != nil {
		return 0, errors.WithContext(err, "find zynk executable")
	}

	argv, err := rsync.SyncArgs(cfg.RsyncPath, self, cfg.Path, args)
	if err != nil {
		return 0, err
	}

	log.WithField("argv", argv).Debug("Running rsync")
	return runRsync(argv)
}

// runRsyncImpl runs argv with the terminal's stdio, and returns its exit
// code.
func runRsyncImpl(argv []string) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, errors.NewFriendlyError("Failed to run %s: %s\n"+
			"Make sure rsync is installed, or set rsyncPath in the zynk config.",
			argv[0], err)
	}
	return 0, nil
}
