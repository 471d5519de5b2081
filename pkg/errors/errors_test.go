package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	root := New("connection refused")
	err := WithContext(WithContext(root, "dial"), "connect to backup")

	assert.EqualError(t, err, "connect to backup: dial: connection refused")
	assert.Equal(t, root, RootCause(err))
	assert.Nil(t, WithContext(nil, "unused"))
}

func TestGetPrintableMessage(t *testing.T) {
	friendly := NewFriendlyError("The daemon at %q is busy.", "backup:8873")
	assert.Equal(t, "The daemon at \"backup:8873\" is busy.",
		GetPrintableMessage(WithContext(friendly, "handshake")))
	assert.True(t, IsFriendly(WithContext(friendly, "handshake")))

	plain := WithContext(New("eof"), "read response")
	assert.Equal(t, "read response: eof", GetPrintableMessage(plain))
	assert.False(t, IsFriendly(plain))
}

func TestMarshal(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		expWire *Wire
	}{
		{
			name:    "Nil",
			err:     nil,
			expWire: nil,
		},
		{
			name:    "Plain",
			err:     WithContext(New("bad frame"), "read hello"),
			expWire: &Wire{Message: "read hello: bad frame"},
		},
		{
			name:    "Friendly",
			err:     WithContext(NewFriendlyError("Server busy."), "acquire slot"),
			expWire: &Wire{Message: "Server busy.", Friendly: true},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			wire := Marshal(test.err)
			assert.Equal(t, test.expWire, wire)

			unmarshalled := Unmarshal(wire)
			if test.expWire == nil {
				assert.NoError(t, unmarshalled)
				return
			}
			assert.Equal(t, test.expWire.Message, GetPrintableMessage(unmarshalled))
			assert.Equal(t, test.expWire.Friendly, IsFriendly(unmarshalled))
		})
	}
}
