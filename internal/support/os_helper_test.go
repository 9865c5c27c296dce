package support

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("PROXYBROKER_TEST_ENV", "value")
	if got := GetEnv("PROXYBROKER_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("GetEnv returned %s, want value", got)
	}

	if got := GetEnv("PROXYBROKER_TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv returned %s, want fallback", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("PROXYBROKER_TEST_INT", " 42 ")
	if got := GetEnvInt("PROXYBROKER_TEST_INT", 1); got != 42 {
		t.Fatalf("GetEnvInt returned %d, want 42", got)
	}

	t.Setenv("PROXYBROKER_TEST_INT", "nope")
	if got := GetEnvInt("PROXYBROKER_TEST_INT", 1); got != 1 {
		t.Fatalf("GetEnvInt returned %d, want fallback 1", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("PROXYBROKER_TEST_BOOL", "true")
	if !GetEnvBool("PROXYBROKER_TEST_BOOL", false) {
		t.Fatal("GetEnvBool returned false, want true")
	}
	if GetEnvBool("PROXYBROKER_TEST_BOOL_MISSING", false) {
		t.Fatal("GetEnvBool returned true for a missing key")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("PROXYBROKER_TEST_DURATION", "90")
	if got := GetEnvDuration("PROXYBROKER_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("GetEnvDuration returned %s, want 1m30s", got)
	}

	t.Setenv("PROXYBROKER_TEST_DURATION", "250ms")
	if got := GetEnvDuration("PROXYBROKER_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Fatalf("GetEnvDuration returned %s, want 250ms", got)
	}
}

func TestEnsureParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "file.db")
	if err := EnsureParentDir(path); err != nil {
		t.Fatalf("EnsureParentDir returned %v", err)
	}
	if info, err := os.Stat(filepath.Dir(path)); err != nil || !info.IsDir() {
		t.Fatalf("parent directory missing: %v", err)
	}
}
