package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgentContainsVersion(t *testing.T) {
	ua := UserAgent()
	if ua == "" {
		t.Fatal("UserAgent() returned empty string")
	}
	if !strings.Contains(ua, Version) {
		t.Errorf("UserAgent() = %q, want it to contain version %q", ua, Version)
	}
}

func TestBuildInfoHasRequiredKeys(t *testing.T) {
	info := BuildInfo()
	for _, key := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if _, ok := info[key]; !ok {
			t.Errorf("BuildInfo() missing key %q", key)
		}
	}
}

func TestUptimeNonNegative(t *testing.T) {
	if Uptime() < 0 {
		t.Error("Uptime() returned negative duration")
	}
}
