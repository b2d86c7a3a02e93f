// Package buildinfo exposes the version stamped in with -ldflags and
// the process start time.
package buildinfo

import (
	"runtime"
	"time"
)

// Set with -ldflags "-X github.com/semantest/docs-sub005/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	Branch    string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	Go        string `json:"go_version"`
	Platform  string `json:"platform"`

	// Populated by Runtime only.
	StartedAt  *time.Time `json:"started_at,omitempty"`
	Uptime     string     `json:"uptime,omitempty"`
	Goroutines int        `json:"goroutines,omitempty"`
}

// Get returns the build metadata.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    GitCommit,
		Branch:    GitBranch,
		BuildTime: BuildTime,
		Go:        runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Runtime is Get plus live process facts.
func Runtime() Info {
	i := Get()
	at := started.UTC()
	i.StartedAt = &at
	i.Uptime = Uptime().String()
	i.Goroutines = runtime.NumGoroutine()
	return i
}

// String is the one-line banner printed by "semhub version".
func (i Info) String() string {
	return "semhub " + i.Version + " (" + i.Commit + "@" + i.Branch + ") built " + i.BuildTime
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "semhub/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
