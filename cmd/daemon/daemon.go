package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buger/goterm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/audit"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/daemon"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/pidfile"
)

// server is the subset of daemon.Server used to run zynkd.
type server interface {
	Start(context.Context) error
	WatchConfig(context.Context, string) error
	Wait()
}

// Mocked for unit testing.
var (
	stdout       io.Writer = os.Stdout
	parseConfig            = config.ParseDaemon
	setupLogging           = util.SetupLogging
	addHook                = log.AddHook
	newServer              = func(cfg config.Daemon) (server, error) { return daemon.New(cfg) }
	getStatus              = daemon.Status
)

// New creates the root `zynkd` command.
func New() *cobra.Command {
	var configPath, pidPath string
	cmd := &cobra.Command{
		Use:   "zynkd",
		Short: "Accept rsync sessions from authenticated zynk clients",
		Long: "zynkd listens for TLS connections from zynk clients, authenticates\n" +
			"them, and runs rsync in server mode inside the root directory\n" +
			"configured for each client.",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath, pidPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config",
		config.DefaultDaemonConfigPath, "path to the zynkd config")
	cmd.Flags().StringVar(&pidPath, "pidfile", "",
		"file to write the daemon's PID to")

	cmd.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the zynkd config without starting the daemon",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := checkConfig(configPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Query a running zynkd over its admin socket",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := status(configPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	})
	return cmd
}

func run(configPath, pidPath string) error {
	cfg, err := parseConfig(configPath)
	if err != nil {
		return err
	}

	if err := setupLogging(cfg.Log.File, cfg.Log.Level); err != nil {
		return errors.WithContext(err, "setup logging")
	}

	if cfg.Audit.File != "" {
		hook := audit.Open(cfg.Audit.File)
		addHook(hook)
		atexit.Register(func() {
			if err := hook.Close(); err != nil {
				log.WithError(err).Warn("Failed to close audit log")
			}
		})
	}

	if pidPath != "" {
		pf := pidfile.New(pidPath)
		if err := pf.Write(); err != nil {
			return err
		}
		defer func() {
			if err := pf.Remove(); err != nil {
				log.WithError(err).Warn("Failed to remove pidfile")
			}
		}()
	}

	srv, err := newServer(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	if err := srv.WatchConfig(ctx, configPath); err != nil {
		log.WithError(err).Warn("Failed to watch config for changes. " +
			"Send SIGHUP or restart zynkd to apply changes.")
	}

	srv.Wait()
	return nil
}

func checkConfig(configPath string) error {
	cfg, err := parseConfig(configPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%s is valid.\n", cfg.Path)
	for _, client := range cfg.Clients {
		var factors []string
		if len(client.Fingerprints) != 0 {
			factors = append(factors, "fingerprint")
		}
		if client.TokenHash != "" {
			factors = append(factors, "token")
		}
		if len(factors) == 0 {
			factors = append(factors, "CA")
		}
		fmt.Fprintf(stdout, "  %s: %s (%s) via %v\n",
			client.Name, client.Root, client.Access, factors)
	}
	return nil
}

func status(configPath string) error {
	cfg, err := parseConfig(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serving, err := getStatus(ctx, cfg.Admin)
	if err != nil {
		return err
	}

	if serving == healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintln(stdout, goterm.Color("zynkd is serving", goterm.GREEN))
		return nil
	}
	fmt.Fprintln(stdout, goterm.Color("zynkd is "+serving.String(), goterm.RED))
	return errors.NewFriendlyError("zynkd isn't serving.")
}
