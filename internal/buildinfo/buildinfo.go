// Package buildinfo identifies the running tutorbot binary for
// GET /version, `tutorbot version`, the MQTT version entity and the
// outbound User-Agent.
//
// Release builds stamp the variables below with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/tutorbot/tutorbot/internal/buildinfo.Version=v1.2.0"
//
// A plain `go build` from a checkout leaves GitCommit and BuildTime
// unset; they are then taken from the VCS stamp the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// stamp is the effective commit and build time.
type stamp struct {
	commit   string
	time     string
	modified bool
}

var current = sync.OnceValue(func() stamp {
	bi, _ := debug.ReadBuildInfo()
	return resolve(GitCommit, BuildTime, bi)
})

// resolve prefers ldflags values and falls back to the vcs.* settings
// of bi, which may be nil.
func resolve(commit, built string, bi *debug.BuildInfo) stamp {
	s := stamp{commit: commit, time: built}
	if bi == nil {
		return s
	}
	for _, kv := range bi.Settings {
		switch kv.Key {
		case "vcs.revision":
			if s.commit == "unknown" && kv.Value != "" {
				s.commit = kv.Value
				if len(s.commit) > 12 {
					s.commit = s.commit[:12]
				}
			}
		case "vcs.time":
			if s.time == "unknown" && kv.Value != "" {
				s.time = kv.Value
			}
		case "vcs.modified":
			s.modified = kv.Value == "true"
		}
	}
	return s
}

// Info is the payload of GET /version.
func Info() map[string]string {
	s := current()
	commit := s.commit
	if s.modified {
		commit += "-dirty"
	}
	return map[string]string{
		"version":    Version,
		"git_commit": commit,
		"build_time": s.time,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is whole seconds since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

func UserAgent() string {
	return "TutorBot/" + Version
}

// String is the startup banner line.
func String() string {
	s := current()
	return fmt.Sprintf("TutorBot %s (%s) built %s", Version, s.commit, s.time)
}
