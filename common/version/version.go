// Package version holds build and compatibility version constraints.
package version

import (
	"fmt"

	version2 "github.com/hashicorp/go-version"
)

// Version is the engine release version, overridden at build time.
var Version = "v0.1.0"

// NatsVersion is the mandatory minimum version of NATS supported by the engine.
var NatsVersion, _ = version2.NewVersion("v2.10.0")

// CheckNatsCompat verifies that a connected NATS server meets the minimum
// supported version.  Pre-release and dev builds report versions that do not
// parse; those are let through.
func CheckNatsCompat(serverVersion string) error {
	sv, err := version2.NewVersion(serverVersion)
	if err != nil {
		return nil
	}
	if sv.LessThan(NatsVersion) {
		return fmt.Errorf("nats server version %s is below the minimum supported %s", sv, NatsVersion)
	}
	return nil
}
