package token

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/auth"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/secret"
)

// Variables mocked for unit testing.
var (
	fs                 = afero.NewOsFs()
	stdout   io.Writer = os.Stdout
	stdin    io.Reader = os.Stdin
	isTerm             = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	readPass           = func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) }
)

// New creates a new `token` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Create pre-shared tokens for authenticating to zynkd",
	}
	cmd.AddCommand(newGenerate(), newHash())
	return cmd
}

func newGenerate() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "generate --out FILE",
		Short: "Generate a random token, and print its hash for the zynkd config",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := generate(out); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "file to write the token to (required)")
	cmd.MarkFlagRequired("out")
	return cmd
}

func generate(out string) error {
	if exists, _ := afero.Exists(fs, out); exists {
		return errors.NewFriendlyError("%s already exists. Refusing to "+
			"overwrite an existing token.", out)
	}

	token := secret.Generate()
	defer token.Destroy()

	raw := token.Bytes()
	defer secret.Wipe(raw)
	line := append(raw[:len(raw):len(raw)], '\n')
	defer secret.Wipe(line)
	if err := afero.WriteFile(fs, out, line, 0600); err != nil {
		return errors.WithContext(err, "write token")
	}

	hash, err := auth.HashToken(raw)
	if err != nil {
		return errors.WithContext(err, "hash token")
	}

	fmt.Fprintf(stdout, "Wrote token to %s. Set tokenFile to this path "+
		"in the client's zynk config.\n", out)
	fmt.Fprintf(stdout, "Add the following to the client's entry in the "+
		"zynkd config:\n\n    tokenHash: %s\n", hash)
	return nil
}

func newHash() *cobra.Command {
	return &cobra.Command{
		Use:   "hash",
		Short: "Hash a token read from stdin for the zynkd config",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			hash, err := hashStdin()
			if err != nil {
				util.HandleFatalError(err)
			}
			fmt.Fprintln(stdout, hash)
		},
	}
}

func hashStdin() (string, error) {
	var raw []byte
	var err error
	if isTerm() {
		fmt.Fprint(os.Stderr, "Token: ")
		raw, err = readPass()
		fmt.Fprintln(os.Stderr)
	} else {
		raw, err = bufio.NewReader(stdin).ReadBytes('\n')
		if err == io.EOF {
			err = nil
		}
	}
	if err != nil {
		return "", errors.WithContext(err, "read token")
	}
	defer secret.Wipe(raw)

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", errors.NewFriendlyError("The token is empty.")
	}
	return auth.HashToken(trimmed)
}
