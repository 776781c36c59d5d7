// Package version reports what build of icmpreceiver is running.
//
// Release builds set Version, GitCommit and BuildDate with -ldflags -X.
// Builds without them (go install, go build from a checkout) fall back to
// the module and VCS data the toolchain embeds in the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const shortCommitLen = 12

var resolveOnce sync.Once

func resolve() {
	resolveOnce.Do(func() {
		if info, ok := debug.ReadBuildInfo(); ok {
			applyBuildInfo(info)
		}
	})
}

// applyBuildInfo fills whatever ldflags left at its default.
func applyBuildInfo(info *debug.BuildInfo) {
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	var revision, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			if BuildDate == "unknown" {
				BuildDate = s.Value
			}
		case "vcs.modified":
			modified = s.Value
		}
	}
	if GitCommit == "unknown" && revision != "" {
		if len(revision) > shortCommitLen {
			revision = revision[:shortCommitLen]
		}
		if modified == "true" {
			revision += "-dirty"
		}
		GitCommit = revision
	}
}

// Info returns the one-line banner printed by --version.
func Info() string {
	resolve()
	return fmt.Sprintf("icmpreceiver %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, runtime.Version())
}

// Short returns just the version string.
func Short() string {
	resolve()
	return Version
}

// UserAgent is sent on outgoing API requests.
func UserAgent() string {
	resolve()
	return "icmpreceiver/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}

// Map is the version block of the health endpoint and `version --verbose`.
func Map() map[string]string {
	resolve()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// Fields returns the build metadata as log fields.
func Fields() []zap.Field {
	resolve()
	return []zap.Field{
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("built", BuildDate),
	}
}
