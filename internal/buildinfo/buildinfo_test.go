package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("Info() missing key %q", k)
		}
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "TutorBot/") {
		t.Errorf("UserAgent() = %q, want TutorBot/ prefix", ua)
	}
}

func TestResolve(t *testing.T) {
	vcs := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-01T10:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	tests := []struct {
		name          string
		commit, built string
		bi            *debug.BuildInfo
		want          stamp
	}{
		{"no build info", "unknown", "unknown", nil, stamp{commit: "unknown", time: "unknown"}},
		{"vcs fallback", "unknown", "unknown", vcs, stamp{commit: "0123456789ab", time: "2026-03-01T10:00:00Z", modified: true}},
		{"ldflags win", "abc1234", "2026-02-01", vcs, stamp{commit: "abc1234", time: "2026-02-01", modified: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolve(tt.commit, tt.built, tt.bi); got != tt.want {
				t.Errorf("resolve = %+v, want %+v", got, tt.want)
			}
		})
	}
}
