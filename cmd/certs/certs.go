package certs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/certs"
	"github.com/sidkik/zynk/pkg/errors"
)

// stdout is mocked for unit testing.
var stdout io.Writer = os.Stdout

const day = 24 * time.Hour

// New creates a new `certs` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Create and inspect zynk certificates",
	}
	cmd.AddCommand(newInitCA(), newIssue(), newFingerprint())
	return cmd
}

func newInitCA() *cobra.Command {
	var dir, name string
	var days int
	cmd := &cobra.Command{
		Use:   "init-ca",
		Short: "Create a certificate authority for signing zynk certificates",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := initCA(dir, name, days); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to write ca.crt and ca.key to")
	cmd.Flags().StringVar(&name, "name", "zynk CA", "common name of the CA")
	cmd.Flags().IntVar(&days, "days", 3650, "validity in days")
	return cmd
}

func initCA(dir, name string, days int) error {
	certPath, keyPath := filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
	if _, err := os.Stat(keyPath); err == nil {
		return errors.NewFriendlyError("%s already exists. Refusing to "+
			"overwrite an existing CA.", keyPath)
	}

	ca, err := certs.GenerateCA(name, time.Duration(days)*day)
	if err != nil {
		return errors.WithContext(err, "generate CA")
	}
	if err := ca.Write(certPath, keyPath); err != nil {
		return errors.WithContext(err, "write CA")
	}

	fmt.Fprintf(stdout, "Wrote %s and %s\nFingerprint: %s\n",
		certPath, keyPath, certs.Fingerprint(ca.Cert))
	return nil
}

type issueOptions struct {
	caDir  string
	outDir string
	server bool
	hosts  []string
	days   int
}

func newIssue() *cobra.Command {
	var opts issueOptions
	cmd := &cobra.Command{
		Use:   "issue NAME",
		Short: "Issue a client or server certificate signed by the CA",
		Long: "Issue a certificate signed by the CA in --ca-dir. Client\n" +
			"certificates are named after the client, which must match the\n" +
			"client's name in the zynkd config. Server certificates are\n" +
			"valid for each --host.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := issue(args[0], opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&opts.caDir, "ca-dir", ".",
		"directory containing ca.crt and ca.key")
	cmd.Flags().StringVar(&opts.outDir, "dir", ".",
		"directory to write NAME.crt and NAME.key to")
	cmd.Flags().BoolVar(&opts.server, "server", false,
		"issue a server certificate rather than a client certificate")
	cmd.Flags().StringSliceVar(&opts.hosts, "host", nil,
		"DNS name or IP address the server certificate is valid for (repeatable)")
	cmd.Flags().IntVar(&opts.days, "days", 825, "validity in days")
	return cmd
}

func issue(name string, opts issueOptions) error {
	if opts.server && len(opts.hosts) == 0 {
		opts.hosts = []string{name}
	}

	ca, err := certs.Load(filepath.Join(opts.caDir, "ca.crt"),
		filepath.Join(opts.caDir, "ca.key"))
	if err != nil {
		return errors.WithContext(err, "load CA")
	}

	pair, err := certs.Issue(ca, name, opts.hosts, opts.server,
		time.Duration(opts.days)*day)
	if err != nil {
		return errors.WithContext(err, "issue certificate")
	}

	certPath := filepath.Join(opts.outDir, name+".crt")
	keyPath := filepath.Join(opts.outDir, name+".key")
	if err := pair.Write(certPath, keyPath); err != nil {
		return errors.WithContext(err, "write certificate")
	}

	fmt.Fprintf(stdout, "Wrote %s and %s\nFingerprint: %s\n",
		certPath, keyPath, certs.Fingerprint(pair.Cert))
	return nil
}

func newFingerprint() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint CERT...",
		Short: "Print the fingerprint of certificates",
		Args:  cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, paths []string) {
			for _, path := range paths {
				fp, err := certs.FingerprintFile(path)
				if err != nil {
					util.HandleFatalError(errors.WithContext(err, path))
				}
				if len(paths) == 1 {
					fmt.Fprintln(stdout, fp)
				} else {
					fmt.Fprintf(stdout, "%s\t%s\n", path, fp)
				}
			}
		},
	}
}
