// Package version holds build metadata injected with -ldflags.
package version

// Set at build time with -ldflags "-X github.com/sydlexius/shopmon/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)
