// Package version carries build identification stamped in at link time.
package version

// Version is the release version, overridden via ldflags on tagged builds.
var Version = "0.0.0"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// BuildDate is the build timestamp, set at build time via ldflags.
var BuildDate = "unknown"
