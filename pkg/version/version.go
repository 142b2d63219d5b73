// Package version holds the pulse build information.
package version

import "fmt"

// Set with -ldflags "-X pulse/pkg/version.Version=v0.3.0".
//
//nolint:gochecknoglobals // ldflags targets
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build information for --version.
func String() string {
	if Date == "unknown" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return fmt.Sprintf("%s (%s, built %s)", Version, Commit, Date)
}
