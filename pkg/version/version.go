// Package version carries the build stamp of the panelprobe binary.
package version

// Version, GitCommit, and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/panelprobe/panelprobe/pkg/version.Version=v0.3.0 \
//	  -X github.com/panelprobe/panelprobe/pkg/version.GitCommit=abc1234 \
//	  -X github.com/panelprobe/panelprobe/pkg/version.BuildDate=2026-01-01T00:00:00Z" ./cmd/panelprobe
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a formatted version string for display. Development builds
// omit the unset commit and date.
func Info() string {
	if Version == "dev" && GitCommit == "unknown" {
		return "dev build"
	}
	return Version + " (" + GitCommit + ") built " + BuildDate
}
