package check

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/buger/goterm"
	"github.com/spf13/cobra"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/client"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/protocol"
)

// Variables mocked for unit testing.
var (
	stdout io.Writer = os.Stdout
	dial             = client.Dial
	now              = time.Now
)

// New creates a new `check` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check [HOST...]",
		Short: "Check that zynkd servers accept this client",
		Long: "Connect to each host, verify its certificate, and authenticate\n" +
			"without running rsync. If no hosts are given, every host in the\n" +
			"zynk config is checked.",
		Run: func(_ *cobra.Command, hosts []string) {
			cfg, err := util.ParseClientConfig(configPath)
			if err != nil {
				util.HandleFatalError(err)
			}
			if !run(cfg, hosts) {
				util.HandleFatalError(errors.NewFriendlyError(
					"Some hosts failed the check."))
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "",
		"path to the zynk config (default ~/.zynk.yaml)")
	return cmd
}

// run checks hosts, and returns whether all of them passed.
func run(cfg config.Client, hosts []string) bool {
	if len(hosts) == 0 {
		for _, host := range cfg.Hosts {
			hosts = append(hosts, host.Alias)
		}
	}
	if len(hosts) == 0 {
		fmt.Fprintln(stdout, "No hosts to check. Add one with `zynk config add-host`.")
		return true
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	ok := true
	for _, host := range hosts {
		status, detail := checkHost(cfg, host)
		if status != statusOK {
			ok = false
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", host, status, detail)
	}
	return ok
}

var (
	statusOK     = goterm.Color("OK", goterm.GREEN)
	statusFailed = goterm.Color("FAILED", goterm.RED)
)

func checkHost(cfg config.Client, host string) (string, string) {
	start := now()
	tunnel, err := dial(context.Background(), cfg, host,
		client.Request{Mode: protocol.ModePing})
	if err != nil {
		return statusFailed, errors.GetPrintableMessage(err)
	}
	defer tunnel.Close()

	resp := tunnel.Response()
	return statusOK, fmt.Sprintf("zynkd %s, protocol %s, %s",
		resp.ServerVersion, resp.ProtocolVersion,
		now().Sub(start).Round(time.Millisecond))
}
