package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sidkik/zynk/cmd/bugtool"
	"github.com/sidkik/zynk/cmd/certs"
	"github.com/sidkik/zynk/cmd/check"
	configCmd "github.com/sidkik/zynk/cmd/config"
	"github.com/sidkik/zynk/cmd/daemon"
	syncCmd "github.com/sidkik/zynk/cmd/sync"
	"github.com/sidkik/zynk/cmd/token"
	"github.com/sidkik/zynk/cmd/tunnel"
	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/cmd/version"
	"github.com/sidkik/zynk/pkg/secret"
)

// Execute runs the zynk client.
func Execute() {
	if os.Getenv(util.VerboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "zynk",
		Short:        "Synchronize files with zynkd servers over rsync",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		syncCmd.New(),
		tunnel.New(),
		check.New(),
		version.New(),
		certs.New(),
		token.New(),
		configCmd.New(),
	)

	execute(rootCmd)
}

// ExecuteDaemon runs zynkd.
func ExecuteDaemon() {
	rootCmd := daemon.New()
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(bugtool.New())
	execute(rootCmd)
}

// execute runs rootCmd, then the exit handlers, which close log files and
// wipe guarded memory.
func execute(rootCmd *cobra.Command) {
	atexit.Register(secret.Purge)
	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
	atexit.Exit(0)
}
