package util

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/zynk/pkg/certs"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
)

// HostAlias is the alias of the test daemon in the client configs.
const HostAlias = "nas"

// TestHelper contains methods commonly used during integration tests.
type TestHelper struct {
	Root         string
	DaemonConfig string
	Address      string

	// WriterConfig belongs to a client authenticated by fingerprint and
	// token with read-write access. ReaderConfig belongs to a client
	// authenticated by the CA with read-only access. Both share SharedRoot.
	WriterConfig string
	ReaderConfig string
	SharedRoot   string

	pki string
}

var tokenHashRegex = regexp.MustCompile(`tokenHash: (\S+)`)

// NewTestHelper creates the certificates and configs for a zynkd and two
// clients under root.
func NewTestHelper(root string) (*TestHelper, error) {
	helper := &TestHelper{
		Root:         root,
		DaemonConfig: filepath.Join(root, "zynkd.yaml"),
		WriterConfig: filepath.Join(root, "writer.yaml"),
		ReaderConfig: filepath.Join(root, "reader.yaml"),
		SharedRoot:   filepath.Join(root, "srv"),
		pki:          filepath.Join(root, "pki"),
	}
	for _, dir := range []string{helper.pki, helper.SharedRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.WithContext(err, "mkdir")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, args := range [][]string{
		{"certs", "init-ca", "--dir", helper.pki, "--days", "1"},
		{"certs", "issue", "localhost", "--server", "--host", "localhost",
			"--ca-dir", helper.pki, "--dir", helper.pki, "--days", "1"},
		{"certs", "issue", "writer", "--ca-dir", helper.pki, "--dir", helper.pki, "--days", "1"},
		{"certs", "issue", "reader", "--ca-dir", helper.pki, "--dir", helper.pki, "--days", "1"},
	} {
		if out, err := helper.Zynk(ctx, args...); err != nil {
			return nil, fmt.Errorf("zynk %v: %s: %s", args, err, out)
		}
	}

	tokenPath := helper.pkiPath("writer.token")
	out, err := helper.Zynk(ctx, "token", "generate", "--out", tokenPath)
	if err != nil {
		return nil, fmt.Errorf("generate token: %s: %s", err, out)
	}
	match := tokenHashRegex.FindSubmatch(out)
	if match == nil {
		return nil, errors.New("no token hash in output: %s", out)
	}

	writerFingerprint, err := certs.FingerprintFile(helper.pkiPath("writer.crt"))
	if err != nil {
		return nil, errors.WithContext(err, "fingerprint writer")
	}
	serverFingerprint, err := certs.FingerprintFile(helper.pkiPath("localhost.crt"))
	if err != nil {
		return nil, errors.WithContext(err, "fingerprint server")
	}

	port, err := freePort()
	if err != nil {
		return nil, errors.WithContext(err, "pick port")
	}
	helper.Address = fmt.Sprintf("localhost:%d", port)

	daemonCfg := config.Daemon{
		Version: config.SupportedConfigVersion,
		Listen:  fmt.Sprintf("127.0.0.1:%d", port),
		TLS: config.DaemonTLS{
			Cert:     helper.pkiPath("localhost.crt"),
			Key:      helper.pkiPath("localhost.key"),
			ClientCA: helper.pkiPath("ca.crt"),
		},
		Admin: filepath.Join(root, "admin.sock"),
		Log:   config.Log{Level: "debug"},
		Clients: []config.ClientPolicy{
			{
				Name:         "writer",
				Fingerprints: []string{writerFingerprint},
				TokenHash:    string(match[1]),
				Root:         helper.SharedRoot,
				Access:       config.ReadWrite,
			},
			{
				Name:   "reader",
				Root:   helper.SharedRoot,
				Access: config.ReadOnly,
			},
		},
	}
	if err := writeYAML(helper.DaemonConfig, daemonCfg); err != nil {
		return nil, errors.WithContext(err, "write daemon config")
	}

	for _, client := range []struct {
		name, path, token string
	}{
		{"writer", helper.WriterConfig, tokenPath},
		{"reader", helper.ReaderConfig, ""},
	} {
		cfg := config.Client{
			Version:    config.SupportedConfigVersion,
			Name:       client.name,
			KnownHosts: filepath.Join(root, client.name+".known_hosts"),
			Hosts: []config.Host{{
				Alias:       HostAlias,
				Address:     helper.Address,
				Fingerprint: serverFingerprint,
				Cert:        helper.pkiPath(client.name + ".crt"),
				Key:         helper.pkiPath(client.name + ".key"),
				TokenFile:   client.token,
			}},
		}
		if err := writeYAML(client.path, cfg); err != nil {
			return nil, errors.WithContext(err, "write client config")
		}
	}
	return helper, nil
}

func (helper *TestHelper) pkiPath(name string) string {
	return filepath.Join(helper.pki, name)
}

// Start starts the given command. It returns a channel for obtaining any
// errors after starting the command, and any errors from starting the
// command. The command is sent SIGTERM when ctx is cancelled.
func (helper *TestHelper) Start(ctx context.Context, name string, args ...string) (
	chan error, error) {

	cmd := exec.Command(name, args...)
	output := bytes.NewBuffer(nil)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	errChan := make(chan error, 1)
	go func() {
		waitErr := make(chan error)
		go func() {
			waitErr <- cmd.Wait()
			close(waitErr)
		}()

		defer close(errChan)
		select {
		case <-ctx.Done():
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				errChan <- errors.WithContext(err, "kill")
				return
			}
			if err := <-waitErr; err != nil {
				errChan <- fmt.Errorf("exited uncleanly (%s): output: %s", err, output)
			}
		case err := <-waitErr:
			errChan <- fmt.Errorf("crashed (%s): output: %s", err, output)
		}
	}()
	return errChan, nil
}

// Zynk runs the zynk client with the given arguments, and returns its
// combined output.
func (helper *TestHelper) Zynk(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "zynk", args...).CombinedOutput()
}

// Sync runs `zynk sync` with the client config at configPath.
func (helper *TestHelper) Sync(ctx context.Context, configPath string, rsyncArgs ...string) (
	[]byte, error) {
	args := append([]string{"sync", "--config", configPath, "--"}, rsyncArgs...)
	return helper.Zynk(ctx, args...)
}

// StartDaemon runs zynkd, and waits until it reports that it's serving.
func (helper *TestHelper) StartDaemon(ctx context.Context) (chan error, error) {
	log.Info("Starting zynkd")
	cmdErr, err := helper.Start(ctx, "zynkd", "--config", helper.DaemonConfig)
	if err != nil {
		return nil, errors.WithContext(err, "start")
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, 30*time.Second)
	defer cancelWait()

	ready := make(chan bool, 1)
	go func() {
		ready <- TestWithRetry(waitCtx, nil, func() bool {
			return exec.CommandContext(waitCtx, "zynkd", "--config",
				helper.DaemonConfig, "status").Run() == nil
		})
	}()

	select {
	case err := <-cmdErr:
		return nil, errors.WithContext(err, "zynkd crashed")
	case ok := <-ready:
		if !ok {
			return nil, errors.New("zynkd never became ready")
		}
		return cmdErr, nil
	}
}

// TestWithRetry runs test with exponential backoff until it passes or ctx
// expires. A nil trigger only retries on the backoff timer.
func TestWithRetry(ctx context.Context, trigger chan struct{}, test func() bool) bool {
	maxSleepTime := 5 * time.Second
	sleepTime := 50 * time.Millisecond
	for {
		if test() {
			return true
		}

		select {
		case <-ctx.Done():
			return test()
		case <-time.After(sleepTime):
			sleepTime *= 2
			if sleepTime > maxSleepTime {
				sleepTime = maxSleepTime
			}
		case <-trigger:
		}
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func writeYAML(path string, v interface{}) error {
	yamlBytes, err := yaml.Marshal(v)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return ioutil.WriteFile(path, yamlBytes, 0600)
}
