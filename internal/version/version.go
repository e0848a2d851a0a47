// Package version holds build metadata, set at link time with
// -ldflags "-X github.com/banshee-data/rfbench/internal/version.Version=...".
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for the version command and server logs.
func String() string {
	return fmt.Sprintf("rfbench %s (%s, built %s)", Version, GitSHA, BuildTime)
}
