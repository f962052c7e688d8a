// Package version reports the agent's build identity for log banners and
// the HTTP health endpoint.
//
// The commit is resolved once at init: -ldflags override > VCS info from
// debug.BuildInfo > "dev" fallback.
package version

import (
	"runtime"
	"runtime/debug"
)

// AppName is the agent name used in version strings and log banners.
const AppName = "beamlens"

// gitCommitOverride is set via -ldflags for container builds where .git
// is unavailable. Empty string means no override.
var gitCommitOverride string

// Build describes the running binary.
type Build struct {
	App       string `json:"app"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified,omitempty"`
}

var build = resolve()

func resolve() Build {
	b := Build{App: AppName, Commit: "dev", GoVersion: runtime.Version()}
	if gitCommitOverride != "" {
		b.Commit = short(gitCommitOverride)
		return b
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" {
				b.Commit = short(s.Value)
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Info returns the resolved build identity.
func Info() Build { return build }

// Full returns "beamlens/<commit>" for use in user-agent strings, logging, etc.
func Full() string {
	return AppName + "/" + build.Commit
}
