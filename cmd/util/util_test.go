package util

import (
	"bytes"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/tebeka/atexit"

	"github.com/sidkik/zynk/pkg/errors"
)

func mockExit(t *testing.T) (*bytes.Buffer, *int) {
	var out bytes.Buffer
	code := -1
	exit = func(c int) { code = c }
	stderr = &out
	t.Cleanup(func() {
		exit = atexit.Exit
		stderr = os.Stderr
	})
	return &out, &code
}

func TestHandleFatalError(t *testing.T) {
	out, code := mockExit(t)
	HandleFatalError(errors.WithContext(errors.New("connection refused"), "dial"))
	assert.Equal(t, "dial: connection refused\n", out.String())
	assert.Equal(t, 1, *code)

	out.Reset()
	HandleFatalError(errors.WithContext(
		errors.NewFriendlyError("The server is busy."), "dial"))
	assert.Equal(t, "The server is busy.\n", out.String())
}

func TestHandlePanic(t *testing.T) {
	_, code := mockExit(t)
	func() {
		defer HandlePanic()
		panic("boom")
	}()
	assert.Equal(t, 2, *code)

	*code = -1
	func() {
		defer HandlePanic()
	}()
	assert.Equal(t, -1, *code)
}

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	env := map[string]string{}
	getenv = func(key string) string { return env[key] }
	defer func() { getenv = os.Getenv }()

	assert.NoError(t, SetupLogging("", "warn"))
	assert.Equal(t, log.WarnLevel, log.GetLevel())

	assert.NoError(t, SetupLogging("", ""))
	assert.Equal(t, log.InfoLevel, log.GetLevel())

	env[VerboseLogKey] = "true"
	assert.NoError(t, SetupLogging("", "warn"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	assert.Error(t, SetupLogging("", "loud"))
}
