package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
	"github.com/tebeka/atexit"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
)

// VerboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const VerboseLogKey = "ZYNK_LOG_VERBOSE"

// Variables mocked for unit testing.
var (
	exit             = atexit.Exit
	stderr io.Writer = os.Stderr
	getenv           = os.Getenv
)

// HandleFatalError prints the error to the user, and exits with a non-zero
// exit code. If the error is friendly, only its message is shown. The full
// error is always logged at debug level.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs the panic and exits. It should be deferred at the top of
// every goroutine, so that exit handlers still run when something crashes.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).
			Errorf("Panic: %v", r)
		exit(2)
	}
}

// SetupLogging configures the standard logger. Logs are written to path if
// it's set, rotated once they grow too large. ZYNK_LOG_VERBOSE overrides
// level.
func SetupLogging(path, level string) error {
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return errors.WithContext(err, "parse log level")
	}
	if getenv(VerboseLogKey) == "true" {
		parsed = log.DebugLevel
	}
	log.SetLevel(parsed)

	if path == "" {
		return nil
	}

	logFile := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	log.SetOutput(logFile)
	log.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	atexit.Register(func() {
		if err := logFile.Close(); err != nil {
			fmt.Fprintf(stderr, "Failed to close log file: %s\n", err)
		}
	})
	return nil
}

// ParseClientConfig reads the zynk client config from override, or from the
// default location if override is empty.
func ParseClientConfig(override string) (config.Client, error) {
	path, err := config.GetClientConfigPath(override)
	if err != nil {
		return config.Client{}, errors.WithContext(err, "get config path")
	}

	cfg, err := config.ParseClient(path)
	if err != nil {
		return config.Client{}, errors.WithContext(err, "parse config")
	}
	return cfg, nil
}
