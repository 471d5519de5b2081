package version

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/client"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/protocol"
	"github.com/sidkik/zynk/pkg/version"
)

// Variables mocked for unit testing.
var (
	stdout io.Writer = os.Stdout
	dial             = client.Dial
)

// New creates a new `version` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "version [HOST]",
		Short: "Print the local and remote version of zynk.",
		Long: "Print the local version of zynk and the protocol version it\n" +
			"speaks. If a host is given, also print the version of zynkd\n" +
			"running on it.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			printLocal()
			if len(args) == 0 {
				return
			}

			cfg, err := util.ParseClientConfig(configPath)
			if err != nil {
				util.HandleFatalError(err)
			}
			if err := printRemote(cfg, args[0]); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "",
		"path to the zynk config (default ~/.zynk.yaml)")
	return cmd
}

func printLocal() {
	fmt.Fprintf(stdout, "local version:    %s\n", version.Version)
	fmt.Fprintf(stdout, "protocol version: %s\n", protocol.Version)
}

func printRemote(cfg config.Client, host string) error {
	tunnel, err := dial(context.Background(), cfg, host,
		client.Request{Mode: protocol.ModePing})
	if err != nil {
		return errors.WithContext(err, "connect to zynkd")
	}
	defer tunnel.Close()

	fmt.Fprintf(stdout, "server version:   %s (protocol %s)\n",
		tunnel.Response().ServerVersion, tunnel.Response().ProtocolVersion)
	return nil
}
