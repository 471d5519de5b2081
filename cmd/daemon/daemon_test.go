package daemon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/audit"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/daemon"
	"github.com/sidkik/zynk/pkg/errors"
)

type mockServer struct {
	startErr     error
	watchErr     error
	started      bool
	watchedPath  string
	waitReturned bool
}

func (s *mockServer) Start(context.Context) error {
	s.started = true
	return s.startErr
}

func (s *mockServer) WatchConfig(_ context.Context, path string) error {
	s.watchedPath = path
	return s.watchErr
}

func (s *mockServer) Wait() {
	s.waitReturned = true
}

func mockDaemon(t *testing.T, cfg config.Daemon, srv *mockServer) *[]log.Hook {
	var hooks []log.Hook
	parseConfig = func(string) (config.Daemon, error) { return cfg, nil }
	setupLogging = func(string, string) error { return nil }
	addHook = func(hook log.Hook) { hooks = append(hooks, hook) }
	newServer = func(config.Daemon) (server, error) { return srv, nil }
	t.Cleanup(func() {
		parseConfig = config.ParseDaemon
		setupLogging = util.SetupLogging
		addHook = log.AddHook
		newServer = func(cfg config.Daemon) (server, error) { return daemon.New(cfg) }
	})
	return &hooks
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	srv := &mockServer{}
	hooks := mockDaemon(t, config.Daemon{
		Audit: config.Audit{File: filepath.Join(dir, "audit.log")},
	}, srv)

	pidPath := filepath.Join(dir, "zynkd.pid")
	require.NoError(t, run("/etc/zynk/zynkd.yaml", pidPath))

	assert.True(t, srv.started)
	assert.Equal(t, "/etc/zynk/zynkd.yaml", srv.watchedPath)
	assert.True(t, srv.waitReturned)
	require.Len(t, *hooks, 1)
	assert.IsType(t, &audit.Hook{}, (*hooks)[0])

	// The pidfile is cleaned up once the server stops.
	_, err := os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRunWatchFailure(t *testing.T) {
	srv := &mockServer{watchErr: errors.New("no inotify")}
	hooks := mockDaemon(t, config.Daemon{}, srv)

	assert.NoError(t, run("/etc/zynk/zynkd.yaml", ""))
	assert.True(t, srv.waitReturned)
	assert.Empty(t, *hooks)
}

func TestRunStartFailure(t *testing.T) {
	srv := &mockServer{startErr: errors.NewFriendlyError("Failed to listen")}
	mockDaemon(t, config.Daemon{}, srv)

	err := run("/etc/zynk/zynkd.yaml", "")
	assert.Equal(t, "Failed to listen", errors.GetPrintableMessage(err))
	assert.False(t, srv.waitReturned)
}

func TestRunBadConfig(t *testing.T) {
	mockDaemon(t, config.Daemon{}, &mockServer{})
	parseConfig = func(string) (config.Daemon, error) {
		return config.Daemon{}, errors.NewFriendlyError("bad config")
	}

	err := run("/etc/zynk/zynkd.yaml", "")
	assert.Equal(t, "bad config", errors.GetPrintableMessage(err))
}

func TestCheckConfig(t *testing.T) {
	var out bytes.Buffer
	stdout = &out
	defer func() { stdout = os.Stdout }()

	mockDaemon(t, config.Daemon{
		Path: "/etc/zynk/zynkd.yaml",
		Clients: []config.ClientPolicy{
			{
				Name:         "laptop",
				Root:         "/srv/backup/laptop",
				Access:       config.ReadWrite,
				Fingerprints: []string{"sha256:ab"},
				TokenHash:    "scrypt$...",
			},
			{Name: "builder", Root: "/srv/artifacts", Access: config.ReadOnly},
		},
	}, &mockServer{})

	require.NoError(t, checkConfig("/etc/zynk/zynkd.yaml"))
	assert.Equal(t, "/etc/zynk/zynkd.yaml is valid.\n"+
		"  laptop: /srv/backup/laptop (read-write) via [fingerprint token]\n"+
		"  builder: /srv/artifacts (read-only) via [CA]\n", out.String())
}

func TestStatus(t *testing.T) {
	var out bytes.Buffer
	stdout = &out
	defer func() {
		stdout = os.Stdout
		getStatus = daemon.Status
	}()

	mockDaemon(t, config.Daemon{Admin: "/run/zynkd/admin.sock"}, &mockServer{})

	var queried string
	getStatus = func(_ context.Context, path string) (
		healthpb.HealthCheckResponse_ServingStatus, error) {
		queried = path
		return healthpb.HealthCheckResponse_SERVING, nil
	}
	require.NoError(t, status(""))
	assert.Equal(t, "/run/zynkd/admin.sock", queried)
	assert.Contains(t, out.String(), "zynkd is serving")

	getStatus = func(context.Context, string) (
		healthpb.HealthCheckResponse_ServingStatus, error) {
		return healthpb.HealthCheckResponse_NOT_SERVING, nil
	}
	assert.Error(t, status(""))
	assert.Contains(t, out.String(), "NOT_SERVING")
}
