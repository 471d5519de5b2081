package errors

// Wire is the representation of an error that's sent between zynk and
// zynkd.
type Wire struct {
	Message  string `cbor:"message"`
	Friendly bool   `cbor:"friendly"`
}

// Marshal converts err into its wire format. Friendly errors keep only their
// user-facing message.
func Marshal(err error) *Wire {
	if err == nil {
		return nil
	}

	if friendly, ok := RootCause(err).(Friendly); ok {
		return &Wire{Message: friendly.FriendlyMessage(), Friendly: true}
	}
	return &Wire{Message: err.Error()}
}

// Unmarshal converts the wire format back into an error.
func Unmarshal(wire *Wire) error {
	if wire == nil {
		return nil
	}

	if wire.Friendly {
		return NewFriendlyError("%s", wire.Message)
	}
	return New("%s", wire.Message)
}
