package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/fswatch"
)

// parseConfig is mocked for unit testing.
var parseConfig = config.ParseDaemon

// Reload applies the client policies and session settings in cfg. Sessions
// that are already running are unaffected. Listener and TLS settings only
// take effect after a restart.
func (s *Server) Reload(cfg config.Daemon) {
	s.cfgLock.Lock()
	old := s.cfg
	s.cfg.Clients = cfg.Clients
	s.cfg.RsyncPath = cfg.RsyncPath
	s.cfg.HandshakeTimeout = cfg.HandshakeTimeout
	s.cfg.ShutdownGrace = cfg.ShutdownGrace
	s.cfgLock.Unlock()

	s.auth.Registry.Replace(cfg.Clients)

	if old.Listen != cfg.Listen || old.TLS != cfg.TLS || old.Admin != cfg.Admin ||
		old.MaxSessions != cfg.MaxSessions || old.MaxHandshakes != cfg.MaxHandshakes ||
		old.Lockout != cfg.Lockout {
		log.Warn("The listener, TLS, admin, session limit, or lockout settings " +
			"changed. Restart zynkd to apply them.")
	}
	log.WithField("clients", len(cfg.Clients)).Info("Reloaded client policies")
}

// WatchConfig reloads the config at path whenever it changes on disk or
// zynkd receives SIGHUP, until ctx is cancelled. Configs that fail to parse
// are logged and ignored, leaving the previous policies in place.
func (s *Server) WatchConfig(ctx context.Context, path string) error {
	watcher, err := fswatch.Watch(path)
	if err != nil {
		return errors.WithContext(err, "watch config")
	}

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)

	go func() {
		defer util.HandlePanic()
		defer signal.Stop(hangup)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-hangup:
				log.Info("Received SIGHUP. Reloading config.")
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				log.WithField("path", path).Info("Config changed. Reloading.")
			}

			cfg, err := parseConfig(path)
			if err != nil {
				log.WithError(err).Error("Failed to reload config. " +
					"Keeping the previous config.")
				continue
			}
			s.Reload(cfg)
		}
	}()
	return nil
}
