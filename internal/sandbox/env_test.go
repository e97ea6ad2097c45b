package sandbox

import (
	"os"
	"strings"
	"testing"
)

func TestScrubEnv_KeepsDefaultAllowlistWhenSet(t *testing.T) {
	os.Setenv("PATH", "/usr/bin:/bin")
	env := ScrubEnv(nil)

	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected PATH to survive scrubbing as part of the default allowlist")
	}
}

func TestScrubEnv_DropsUnlistedKeys(t *testing.T) {
	os.Setenv("CORECLAW_TEST_SECRET", "do-not-leak")
	t.Cleanup(func() { os.Unsetenv("CORECLAW_TEST_SECRET") })

	env := ScrubEnv(nil)
	for _, kv := range env {
		if strings.HasPrefix(kv, "CORECLAW_TEST_SECRET=") {
			t.Fatal("a key not on the default or explicit allowlist must not reach the child environment")
		}
	}
}

func TestScrubEnv_AllowsExplicitlyPermittedKeys(t *testing.T) {
	os.Setenv("MY_CUSTOM_TOOL_FLAG", "on")
	t.Cleanup(func() { os.Unsetenv("MY_CUSTOM_TOOL_FLAG") })

	env := ScrubEnv([]string{"MY_CUSTOM_TOOL_FLAG"})
	found := false
	for _, kv := range env {
		if kv == "MY_CUSTOM_TOOL_FLAG=on" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an explicitly allowed key matching the pattern to survive scrubbing")
	}
}

func TestScrubEnv_RejectsKeysNotMatchingThePattern(t *testing.T) {
	os.Setenv("lowercase_flag", "value")
	t.Cleanup(func() { os.Unsetenv("lowercase_flag") })

	env := ScrubEnv([]string{"lowercase_flag"})
	for _, kv := range env {
		if strings.HasPrefix(kv, "lowercase_flag=") {
			t.Fatal("a lowercase key should not match the allowed env key pattern")
		}
	}
}
