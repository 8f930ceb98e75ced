package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns a one-line version summary for -version and /api/version.
func String() string {
	return fmt.Sprintf("sim-control %s (%s, built %s)", Version, GitSHA, BuildTime)
}
