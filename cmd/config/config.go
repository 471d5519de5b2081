package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout            io.Writer = os.Stdout
	stdin             io.Reader = os.Stdin
	parseClientConfig           = util.ParseClientConfig
	writeClientConfig           = config.WriteClient
	absPath                     = filepath.Abs
)

// New creates a new `config` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the hosts in the zynk configuration",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to the zynk config (default ~/.zynk.yaml)")

	var host config.Host
	addHost := &cobra.Command{
		Use:   "add-host ALIAS",
		Short: "Add or replace a zynkd server in the config",
		Long: "Add a zynkd server to the config so that it can be referred to\n" +
			"by ALIAS. If --address isn't given, it is prompted for.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			host.Alias = args[0]
			if err := runAddHost(configPath, host); err != nil {
				util.HandleFatalError(errors.NewFriendlyError(
					"Failed to add host:\n%s", errors.GetPrintableMessage(err)))
			}
		},
	}
	addHost.Flags().StringVar(&host.Address, "address", "",
		"address of the server, as HOST[:PORT]")
	addHost.Flags().StringVar(&host.ServerName, "server-name", "",
		"name to verify the server certificate against")
	addHost.Flags().StringVar(&host.CA, "ca", "",
		"CA certificate used to verify the server")
	addHost.Flags().StringVar(&host.Fingerprint, "fingerprint", "",
		"pinned sha256 fingerprint of the server certificate")
	addHost.Flags().StringVar(&host.Cert, "cert", "",
		"client certificate to present to the server")
	addHost.Flags().StringVar(&host.Key, "key", "",
		"private key for --cert")
	addHost.Flags().StringVar(&host.TokenFile, "token-file", "",
		"file containing the pre-shared token")

	type getterSpec struct {
		use, short string
		fn         func(config.Host) string
	}
	getters := []getterSpec{
		{
			use:   "get-address ALIAS",
			short: "Get the address of a configured host",
			fn:    func(h config.Host) string { return h.Address },
		},
		{
			use:   "get-fingerprint ALIAS",
			short: "Get the pinned server fingerprint of a configured host",
			fn:    func(h config.Host) string { return h.Fingerprint },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Args:  cobra.ExactArgs(1),
			Run: func(_ *cobra.Command, args []string) {
				cfg, err := parseClientConfig(configPath)
				if err != nil {
					util.HandleFatalError(errors.WithContext(err, "read config"))
				}
				fmt.Fprintln(stdout, getter.fn(cfg.Lookup(args[0])))
			},
		})
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective zynk configuration",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := runShow(configPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cmd.AddCommand(addHost, show)
	return cmd
}

func runAddHost(configPath string, host config.Host) error {
	cfg, err := parseClientConfig(configPath)
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	if host.Address == "" {
		var current string
		for _, h := range cfg.Hosts {
			if h.Alias == host.Alias {
				current = h.Address
			}
		}
		host.Address, err = promptUser(
			"Enter the address of the zynkd server, as HOST[:PORT].",
			"Address", host.Alias, current)
		if err != nil {
			return errors.WithContext(err, "read response")
		}
	}

	// Paths on the command line are relative to the working directory, but
	// paths in the config are relative to the config.
	for _, path := range []*string{&host.CA, &host.Cert, &host.Key, &host.TokenFile} {
		if *path == "" {
			continue
		}
		if *path, err = absPath(*path); err != nil {
			return errors.WithContext(err, "resolve path")
		}
	}

	if err := cfg.AddHost(host); err != nil {
		return err
	}
	if host.CA == "" && host.Fingerprint == "" {
		log.Infof("Neither --ca nor --fingerprint was set, so the server will "+
			"be verified against %s", cfg.KnownHosts)
	}

	if err := writeClientConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}
	fmt.Fprintf(stdout, "Wrote config to %s\n", cfg.Path)
	return nil
}

func runShow(configPath string) error {
	cfg, err := parseClientConfig(configPath)
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	fmt.Fprintf(stdout, "# %s\n%s", cfg.Path, out)
	return nil
}

// promptUser asks the user to pick between the suggested and current
// answers, or to enter one manually. An empty choice picks the first option.
func promptUser(help, prompt, suggested, current string) (string, error) {
	defer fmt.Fprintln(stdout)

	var options []string
	for _, option := range []string{suggested, current} {
		if option != "" && (len(options) == 0 || options[0] != option) {
			options = append(options, option)
		}
	}
	manual := len(options) + 1

	fmt.Fprintf(stdout, "%s\n%s:\n", help, prompt)
	reader := bufio.NewReader(stdin)
	if len(options) > 0 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option += " (recommended)"
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintf(stdout, "\t%d. (Enter manually)\n\n", manual)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", manual)
			resp, err := readLine(reader)
			if err != nil {
				return "", err
			}
			if resp == "" {
				return options[0], nil
			}

			choice, err := strconv.Atoi(resp)
			if err != nil || choice < 1 || choice > manual {
				continue
			}
			if choice != manual {
				return options[choice-1], nil
			}
			break
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	return readLine(reader)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	return strings.TrimSpace(line), err
}
