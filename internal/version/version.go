// Package version holds build information injected with -ldflags, e.g.
//
//	go build -ldflags "-X nbc-viewer/internal/version.Version=1.2.0 -X nbc-viewer/internal/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String formats all three values on one line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
