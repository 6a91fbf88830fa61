package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "AGENTRT_TEST_NEW=from-file\nAGENTRT_TEST_SET=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("AGENTRT_TEST_SET", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("AGENTRT_TEST_NEW") })

	loaded, err := LoadDotEnv(filepath.Join(dir, "missing.env"), path)
	if err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != path {
		t.Fatalf("unexpected loaded files: %v", loaded)
	}
	if got := os.Getenv("AGENTRT_TEST_NEW"); got != "from-file" {
		t.Fatalf("unexpected new value: %q", got)
	}
	if got := os.Getenv("AGENTRT_TEST_SET"); got != "from-env" {
		t.Fatalf("existing value overridden: %q", got)
	}
}

func TestEnvParsers(t *testing.T) {
	t.Setenv("AGENTRT_TEST_INT", "42")
	t.Setenv("AGENTRT_TEST_BAD_INT", "x")
	t.Setenv("AGENTRT_TEST_DUR", "3s")
	t.Setenv("AGENTRT_TEST_BOOL", "yes")
	t.Setenv("AGENTRT_TEST_BLANK", "   ")

	if got := ParseIntEnv("AGENTRT_TEST_INT", 1); got != 42 {
		t.Fatalf("ParseIntEnv = %d", got)
	}
	if got := ParseIntEnv("AGENTRT_TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("ParseIntEnv fallback = %d", got)
	}
	if got := ParseDurationEnv("AGENTRT_TEST_DUR", time.Second); got != 3*time.Second {
		t.Fatalf("ParseDurationEnv = %s", got)
	}
	if !ParseBoolEnv("AGENTRT_TEST_BOOL", false) {
		t.Fatalf("ParseBoolEnv = false")
	}
	if got := Getenv("AGENTRT_TEST_BLANK", "fallback"); got != "fallback" {
		t.Fatalf("Getenv = %q", got)
	}
}

func TestDurationAndListParsers(t *testing.T) {
	t.Setenv("AGENTRT_TEST_SECS", "90")
	t.Setenv("AGENTRT_TEST_LIST", " a, ,b ,")
	t.Setenv("AGENTRT_TEST_EMPTY_LIST", " , ")

	if got := ParseDurationEnv("AGENTRT_TEST_SECS", 0); got != 90*time.Second {
		t.Fatalf("ParseDurationEnv seconds = %s", got)
	}
	got := ParseListEnv("AGENTRT_TEST_LIST", nil)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("ParseListEnv = %#v", got)
	}
	if got := ParseListEnv("AGENTRT_TEST_EMPTY_LIST", []string{"*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("ParseListEnv fallback = %#v", got)
	}
}
