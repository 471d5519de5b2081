package check

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/zynk/pkg/client"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/errors"
)

func TestRun(t *testing.T) {
	var out bytes.Buffer
	stdout = &out
	defer func() { stdout = os.Stdout }()

	var dialed []string
	dial = func(_ context.Context, _ config.Client, target string,
		_ client.Request) (*client.Tunnel, error) {
		dialed = append(dialed, target)
		return nil, errors.NewFriendlyError("The server is busy.")
	}
	defer func() { dial = client.Dial }()

	cfg := config.Client{Hosts: []config.Host{{Alias: "nas"}, {Alias: "backup"}}}
	assert.False(t, run(cfg, nil))
	assert.Equal(t, []string{"nas", "backup"}, dialed)
	assert.Contains(t, out.String(), "nas")
	assert.Contains(t, out.String(), statusFailed)
	assert.Contains(t, out.String(), "The server is busy.")

	dialed = nil
	assert.False(t, run(cfg, []string{"10.0.0.5"}))
	assert.Equal(t, []string{"10.0.0.5"}, dialed)
}

func TestRunNoHosts(t *testing.T) {
	var out bytes.Buffer
	stdout = &out
	defer func() { stdout = os.Stdout }()

	assert.True(t, run(config.Client{}, nil))
	assert.Contains(t, out.String(), "No hosts to check")
}
