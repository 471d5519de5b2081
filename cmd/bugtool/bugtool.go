package bugtool

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/certs"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/daemon"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/version"
)

const redacted = "REDACTED"

// Mocked for unit testing.
var (
	fs              = afero.NewOsFs()
	stdout          io.Writer = os.Stdout
	parseConfig               = config.ParseDaemon
	readCertificate           = certs.ReadCertificate
	getStatus                 = daemon.Status
	now                       = time.Now
)

// New creates a new `bug-tool` command.
func New() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "bug-tool",
		Short: "Generate an archive for debugging zynkd",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			configPath, _ := cmd.Flags().GetString("config")
			if err := run(configPath, out); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path for archive")
	return cmd
}

func run(configPath, out string) error {
	tmpdir, err := afero.TempDir(fs, "", "zynkd-bug-tool")
	if err != nil {
		return errors.NewFriendlyError("Failed to create out directory:\n%s", err)
	}
	defer func() {
		if err := fs.RemoveAll(tmpdir); err != nil {
			log.WithError(err).Warn("Failed to remove temporary directory")
		}
	}()

	setupInfo(tmpdir, configPath)

	if out == "" {
		out = fmt.Sprintf("zynkd-bug-info-%s.tar.gz",
			now().Format("Jan_02_2006-15-04-05"))
	}
	if err := tarDirectory(tmpdir, out); err != nil {
		return errors.NewFriendlyError("Failed to tar:\n%s", err)
	}

	msg := `Created bug information archive at '%s'.
You may want to edit the archive before sharing it. It contains:
 * The zynkd config, with token hashes redacted.
 * The zynkd log and audit log.
 * The subject, fingerprint, and expiry of the configured certificates.
 * The zynkd version, and whether the running daemon is serving.
`
	fmt.Fprintf(stdout, msg, out)
	return nil
}

func setupInfo(root, configPath string) {
	if err := setupConfig(root, configPath); err != nil {
		log.WithError(err).Warn("Failed to setup config")
	}

	cfg, err := parseConfig(configPath)
	if err != nil {
		log.WithError(err).Error("Failed to parse zynkd config")
		msg := errors.GetPrintableMessage(err) + "\n"
		if err := afero.WriteFile(fs, filepath.Join(root, "config-error"),
			[]byte(msg), 0644); err != nil {
			log.WithError(err).Warn("Failed to write config error")
		}
		return
	}

	logs := map[string]string{"zynkd.log": cfg.Log.File, "audit.log": cfg.Audit.File}
	for name, path := range logs {
		if path == "" {
			continue
		}
		if err := copyFile(path, filepath.Join(root, name)); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to setup log")
		}
	}

	if err := setupCerts(filepath.Join(root, "certs"), cfg); err != nil {
		log.WithError(err).Warn("Failed to setup certificate info")
	}

	if err := setupVersion(root, cfg.Admin); err != nil {
		log.WithError(err).Warn("Failed to setup version info")
	}
}

// setupConfig copies the config file with secrets removed. The raw file is
// used rather than the parsed config so that invalid configs are captured
// too.
func setupConfig(root, configPath string) error {
	raw, err := afero.ReadFile(fs, configPath)
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	var parsed map[string]interface{}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return errors.WithContext(err, "parse config")
	}

	if clients, ok := parsed["clients"].([]interface{}); ok {
		for _, client := range clients {
			policy, ok := client.(map[string]interface{})
			if !ok {
				continue
			}
			if _, ok := policy["tokenHash"]; ok {
				policy["tokenHash"] = redacted
			}
		}
	}

	redactedBytes, err := yaml.Marshal(parsed)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return afero.WriteFile(fs, filepath.Join(root, "zynkd.yaml"), redactedBytes, 0644)
}

func copyFile(src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return errors.WithContext(err, "open log")
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.WithContext(err, "copy")
	}
	return nil
}

func setupCerts(outdir string, cfg config.Daemon) error {
	if err := fs.Mkdir(outdir, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	paths := map[string]string{"server": cfg.TLS.Cert, "client-ca": cfg.TLS.ClientCA}
	for name, path := range paths {
		if path == "" {
			continue
		}

		var info string
		if cert, err := readCertificate(path); err != nil {
			info = fmt.Sprintf("path:        %s\nerror:       %s\n", path, err)
		} else {
			info = fmt.Sprintf("path:        %s\n"+
				"subject:     %s\n"+
				"dns names:   %v\n"+
				"fingerprint: %s\n"+
				"not after:   %s\n"+
				"expired:     %t\n",
				path, cert.Subject, cert.DNSNames, certs.Fingerprint(cert),
				cert.NotAfter.UTC().Format(time.RFC3339),
				now().After(cert.NotAfter))
		}

		if err := afero.WriteFile(fs, filepath.Join(outdir, name),
			[]byte(info), 0644); err != nil {
			return errors.WithContext(err, "write")
		}
	}
	return nil
}

func setupVersion(root, adminPath string) error {
	outdir := filepath.Join(root, "version")
	if err := fs.Mkdir(outdir, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	local := fmt.Sprintf("zynkd version:    %s\nprotocol version: %s\n",
		version.Version, version.Protocol)
	if err := afero.WriteFile(fs, filepath.Join(outdir, "local"),
		[]byte(local), 0644); err != nil {
		return errors.WithContext(err, "write")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var status string
	if serving, err := getStatus(ctx, adminPath); err != nil {
		status = fmt.Sprintf("error: %s\n", errors.GetPrintableMessage(err))
	} else {
		status = serving.String() + "\n"
	}
	if err := afero.WriteFile(fs, filepath.Join(outdir, "status"),
		[]byte(status), 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func tarDirectory(src, outPath string) error {
	out, err := fs.Create(outPath)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return afero.Walk(fs, src, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("make header %s", file))
		}

		relPath, err := filepath.Rel(src, file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("get relative path of %s", file))
		}

		header.Name = filepath.Join("zynkd-bug-info", relPath)
		if err := tw.WriteHeader(header); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s header", file))
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := fs.Open(file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("open %s", file))
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return errors.WithContext(err, fmt.Sprintf("copy %s", file))
		}
		return nil
	})
}
