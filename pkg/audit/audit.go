// Package audit records authentication decisions and session summaries to
// a dedicated, rotated log file.
package audit

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sidkik/zynk/pkg/version"
)

// Events recorded in the audit log.
const (
	AuthAccepted  = "auth.accepted"
	AuthRejected  = "auth.rejected"
	SessionClosed = "session.closed"
)

const (
	// auditField marks entries that should be written to the audit log.
	auditField = "audit"
	eventField = "event"
)

// formatter formats audit entries as one JSON object per line.
var formatter = &logrus.JSONFormatter{
	FieldMap: logrus.FieldMap{
		logrus.FieldKeyTime: "timestamp",
		logrus.FieldKeyMsg:  "message",
	},
}

// Event marks the entry as an audit event. Entries logged through the
// returned entry are also written to the audit log if a Hook is installed.
func Event(entry *logrus.Entry, event string) *logrus.Entry {
	return entry.WithFields(logrus.Fields{
		auditField: true,
		eventField: event,
	})
}

// Hook writes audit events to w. Other entries are ignored.
type Hook struct {
	mu sync.Mutex
	w  io.Writer
}

// NewHook creates a hook that writes to w.
func NewHook(w io.Writer) *Hook {
	return &Hook{w: w}
}

// Open creates a hook that writes to the file at path. The file is rotated
// once it gets large.
func Open(path string) *Hook {
	return NewHook(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     365,
		Compress:   true,
	})
}

// Levels implements logrus.Hook.
func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *Hook) Fire(entry *logrus.Entry) error {
	if isAudit, _ := entry.Data[auditField].(bool); !isAudit {
		return nil
	}

	dataCopy := logrus.Fields{"server-version": version.Version}
	for k, v := range entry.Data {
		if k != auditField {
			dataCopy[k] = v
		}
	}

	// Copy the entry so that the fields added for the audit log don't show
	// up in the regular log.
	entryCopy := *entry
	entryCopy.Data = dataCopy

	jsonBytes, err := formatter.Format(&entryCopy)
	if err != nil {
		logrus.WithError(err).Debug("Failed to marshal audit entry")
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.w.Write(jsonBytes); err != nil {
		// Never return an error because doing so causes the error to be
		// printed directly to stderr for every entry.
		logrus.WithError(err).Debug("Failed to write audit entry")
	}
	return nil
}

// Close closes the underlying writer if it can be closed.
func (h *Hook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if closer, ok := h.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
