package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func TestLoadEnvReadsAccountCredentials(t *testing.T) {
	for _, key := range []string{"ACCOUNT_A_ADDRESS", "ACCOUNT_A_PRIVATE_KEY", "ZS_TELEGRAM_TOKEN"} {
		unsetEnv(t, key)
	}
	path := writeEnvFile(t, "# account A\n"+
		"ACCOUNT_A_ADDRESS=0xabc\n"+
		"ACCOUNT_A_PRIVATE_KEY=\"0x01\"\n"+
		"ZS_TELEGRAM_TOKEN='tg'\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	want := map[string]string{
		"ACCOUNT_A_ADDRESS":     "0xabc",
		"ACCOUNT_A_PRIVATE_KEY": "0x01",
		"ZS_TELEGRAM_TOKEN":     "tg",
	}
	for key, val := range want {
		if got := os.Getenv(key); got != val {
			t.Fatalf("%s expected %q, got %q", key, val, got)
		}
	}
}

func TestLoadEnvKeepsProcessEnvironment(t *testing.T) {
	t.Setenv("ACCOUNT_B_ADDRESS", "0xfromshell")
	path := writeEnvFile(t, "ACCOUNT_B_ADDRESS=0xfromfile\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("ACCOUNT_B_ADDRESS"); got != "0xfromshell" {
		t.Fatalf("expected shell value kept, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
	if err := LoadEnv(""); err != nil {
		t.Fatalf("expected empty path to be ignored, got %v", err)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
