package config

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Set at link time:
//
//	go build -ldflags "-X notifypipe/internal/config.version=1.2.3 \
//	    -X notifypipe/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X notifypipe/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

const shortCommitLen = 12

// NewBuildInfo returns the linker-injected build metadata. Commit and build
// time not set by ldflags fall back to the VCS stamp the go tool embeds, then
// to "none" and "unknown".
func NewBuildInfo() BuildInfo {
	return buildInfoFrom(debug.ReadBuildInfo)
}

func buildInfoFrom(read func() (*debug.BuildInfo, bool)) BuildInfo {
	b := BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}

	var revision, vcsTime string
	var dirty bool
	if bi, ok := read(); ok && bi != nil {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.time":
				vcsTime = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
	}

	if b.Commit == "" && revision != "" {
		if len(revision) > shortCommitLen {
			revision = revision[:shortCommitLen]
		}
		b.Commit = revision
		if dirty {
			b.Commit += "-dirty"
		}
	}
	if b.BuildTime == "" {
		b.BuildTime = vcsTime
	}
	if b.Commit == "" {
		b.Commit = "none"
	}
	if b.BuildTime == "" {
		b.BuildTime = "unknown"
	}
	return b
}

// UserAgent identifies outbound calls to the template service and providers.
func (b BuildInfo) UserAgent(component string) string {
	return fmt.Sprintf("notifypipe-%s/%s (%s)", component, b.Version, b.Commit)
}

// LogValue renders the build as a single structured log group.
func (b BuildInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", b.Version),
		slog.String("commit", b.Commit),
		slog.String("build_time", b.BuildTime),
	)
}
