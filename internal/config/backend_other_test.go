//go:build !darwin

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	b := openFileBackend(path)

	if err := b.SetInt("server.port", 4200); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".scatterbrain-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}

	reopened := openFileBackend(path)
	if port, ok, err := reopened.GetInt("server.port"); err != nil || !ok || port != 4200 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	if lvl, ok, _ := reopened.GetString("log.level"); !ok || lvl != "debug" {
		t.Errorf("GetString = %q, %v", lvl, ok)
	}

	if err := reopened.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := reopened.Delete("server.port"); err != nil {
		t.Fatalf("Delete of absent key: %v", err)
	}
	if _, ok, _ := openFileBackend(path).GetInt("server.port"); ok {
		t.Error("server.port survived Delete")
	}
}

func TestFileBackend_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	b := openFileBackend(path)
	if _, ok, _ := b.GetString("server.host"); ok {
		t.Error("malformed file produced values")
	}

	if err := os.WriteFile(path, []byte(`{"server.port": 1.5, "cache.max_entries": "12", "server.mcp_enabled": true}`), 0o600); err != nil {
		t.Fatal(err)
	}
	b = openFileBackend(path)
	if _, ok, err := b.GetInt("server.port"); !ok || err == nil {
		t.Errorf("fractional port: ok=%v err=%v", ok, err)
	}
	if n, _, err := b.GetInt("cache.max_entries"); err != nil || n != 12 {
		t.Errorf("string int = %d, %v", n, err)
	}
	if v, _, _ := b.GetString("server.mcp_enabled"); v != "true" {
		t.Errorf("bool as string = %q", v)
	}
}

func TestFileSecrets(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainGet(keychainService, "ai.openai_api_key"); !errors.Is(err, errSecretNotFound) {
		t.Fatalf("empty store err = %v, want errSecretNotFound", err)
	}
	if err := keychainSet(keychainService, "ai.openai_api_key", "sk-test"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet(keychainService, "ai.openai_api_key")
	if err != nil || string(got) != "sk-test" {
		t.Fatalf("keychainGet = %q, %v", got, err)
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets mode = %o, want 600", perm)
	}

	if err := os.WriteFile(secretsFilePath(), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := keychainSet(keychainService, "ai.anthropic_api_key", "x"); err == nil {
		t.Error("keychainSet overwrote an unparseable secrets file")
	}
}
