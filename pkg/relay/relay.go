// Package relay connects an authenticated tunnel to a local rsync process.
package relay

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/zynk/pkg/errors"
)

// Variables mocked for unit testing.
var (
	startCommand = (*exec.Cmd).Start
	kill         = syscall.Kill
	now          = time.Now
)

// waitDelay bounds how long to wait for the process's output to be flushed
// after it's been killed.
const waitDelay = 5 * time.Second

// Result describes a finished relay.
type Result struct {
	// BytesIn is the number of bytes received from the client, and
	// BytesOut the number sent to it.
	BytesIn  int64
	BytesOut int64

	// ExitCode is the exit code of the process, or -1 if it was killed by
	// a signal.
	ExitCode int
	Duration time.Duration
}

// Run starts argv in dir and relays its stdin and stdout over conn until the
// process exits. The process runs in its own process group, and the whole
// group is killed if ctx is cancelled or the connection breaks. Lines
// written to stderr are logged as warnings.
func Run(ctx context.Context, conn Conn, argv []string, dir string,
	logger *log.Entry) (Result, error) {

	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}

	g, gctx := errgroup.WithContext(ctx)
	cmd := exec.CommandContext(gctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so that rsync's children die too.
		err := kill(-cmd.Process.Pid, syscall.SIGKILL)
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
	cmd.WaitDelay = waitDelay

	var bytesIn, bytesOut atomic.Int64
	cmd.Stdout = &countingWriter{w: conn, n: &bytesOut}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, errors.WithContext(err, "stdin pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, errors.WithContext(err, "stderr pipe")
	}

	start := now()
	if err := startCommand(cmd); err != nil {
		return Result{}, errors.WithContext(err, "start rsync")
	}
	logger.WithField("pid", cmd.Process.Pid).Debug("Started rsync")

	g.Go(func() error {
		n, err := io.Copy(stdin, conn)
		bytesIn.Add(n)
		stdin.Close()
		if err != nil && !IsExpectedCloseError(err) {
			return errors.WithContext(err, "copy from client")
		}
		return nil
	})

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.WithField("stream", "stderr").Warn(scanner.Text())
		}
	}()

	exitCode := -1
	g.Go(func() error {
		// All reads from stderr have to finish before calling Wait.
		<-stderrDone
		waitErr := cmd.Wait()
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}

		// The copy from the client only ends on its own if the client
		// half-closes, so interrupt it now that nothing will read stdin.
		_ = conn.SetReadDeadline(now())
		if err := conn.CloseWrite(); err != nil && !IsExpectedCloseError(err) {
			logger.WithError(err).Debug("Failed to close tunnel for writing")
		}

		if _, ok := waitErr.(*exec.ExitError); ok || waitErr == nil {
			return nil
		}
		if IsExpectedCloseError(waitErr) || gctx.Err() != nil {
			return nil
		}
		return errors.WithContext(waitErr, "wait")
	})

	err = g.Wait()
	result := Result{
		BytesIn:  bytesIn.Load(),
		BytesOut: bytesOut.Load(),
		ExitCode: exitCode,
		Duration: now().Sub(start),
	}
	if err == nil && ctx.Err() != nil {
		err = errors.WithContext(ctx.Err(), "relay interrupted")
	}
	return result, err
}

type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n.Add(int64(n))
	return n, err
}
