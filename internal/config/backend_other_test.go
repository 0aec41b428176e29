//go:build !darwin

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newPlatformBackend()
	if err := b.SetInt("server.port", 4321); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("ollama.model", "llama3.2"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reloaded := newPlatformBackend()
	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 4321 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	model, ok, _ := reloaded.GetString("ollama.model")
	if !ok || model != "llama3.2" {
		t.Errorf("GetString = %q, %v", model, ok)
	}

	if err := reloaded.Delete("ollama.model"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newPlatformBackend().GetString("ollama.model"); ok {
		t.Error("deleted key still present")
	}
}

func TestFileBackendPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if got, want := configFilePath(), filepath.Join(dir, "nanoviz", "config.json"); got != want {
		t.Errorf("configFilePath = %q, want %q", got, want)
	}
}

func TestSecretsFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)

	kc := NewKeychain()
	if _, err := kc.Get("nanoviz", "api_token"); err == nil {
		t.Error("expected error before any secret is stored")
	}
	if err := kc.Set("nanoviz", "api_token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := kc.Get("nanoviz", "api_token")
	if err != nil || got != "abc" {
		t.Errorf("Get = %q, %v", got, err)
	}

	info, err := os.Stat(filepath.Join(dir, "nanoviz", "secrets.json"))
	if err != nil {
		t.Fatalf("stat secrets file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestFileBackendCorruptFileIgnored(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "nanoviz", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	b := newPlatformBackend()
	if _, ok, _ := b.GetString("server.port"); ok {
		t.Error("corrupt file produced values")
	}
	if err := b.SetInt("server.port", 4001); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if port, ok, err := newPlatformBackend().GetInt("server.port"); err != nil || !ok || port != 4001 {
		t.Errorf("GetInt after rewrite = %d, %v, %v", port, ok, err)
	}
}

func TestFileBackendGetIntRejectsFractions(t *testing.T) {
	b := &fileBackend{data: map[string]any{"server.port": 40.5, "input.min_length": "50", "bad": true}}
	if _, _, err := b.GetInt("server.port"); err == nil {
		t.Error("expected error for fractional value")
	}
	if v, ok, err := b.GetInt("input.min_length"); err != nil || !ok || v != 50 {
		t.Errorf("GetInt(string) = %d, %v, %v", v, ok, err)
	}
	if _, _, err := b.GetInt("bad"); err == nil {
		t.Error("expected error for bool value")
	}
}

func TestSecretsFileMissingSecret(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if err := NewKeychain().Set("nanoviz", "api_token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, err := NewKeychain().Get("nanoviz", "openrouter_api_key")
	if !errors.Is(err, errSecretNotFound) {
		t.Errorf("err = %v, want errSecretNotFound", err)
	}
}
