package protocol

import (
	goversion "github.com/hashicorp/go-version"

	"github.com/sidkik/zynk/pkg/errors"
	"github.com/sidkik/zynk/pkg/version"
)

// Version is the protocol version spoken by this build.
const Version = version.Protocol

// compatible matches the protocol versions this build can talk to. Minor
// versions may only add optional fields.
var compatible = goversion.MustConstraints(goversion.NewConstraint(">= 1.0, < 2.0"))

// CheckCompatible returns a friendly error if peerVersion can't be spoken by
// this build.
func CheckCompatible(peerVersion string) error {
	parsed, err := goversion.NewVersion(peerVersion)
	if err != nil || !compatible.Check(parsed) {
		return errors.NewFriendlyError("Incompatible zynk protocol version "+
			"%q (this build speaks %s). Please upgrade zynk on both the "+
			"client and the server.", peerVersion, Version)
	}
	return nil
}
