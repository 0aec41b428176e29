//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.nanoviz.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "nanoviz-data"
	}
	return filepath.Join(home, "Library", "Application Support", "nanoviz")
}

func apiKeyHint() string {
	return " or macOS Keychain (service: nanoviz, account: openrouter_api_key)"
}

// defaultsBackend reads and writes the user defaults domain through the
// defaults(1) tool.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

// run invokes defaults with verb, the domain, and args, returning trimmed
// combined output.
func (b *defaultsBackend) run(verb string, args ...string) (string, error) {
	argv := append([]string{verb, b.domain}, args...)
	out, err := exec.Command("defaults", argv...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("defaults %s %s: %w (%s)", verb, strings.Join(args, " "), err, text)
	}
	return text, nil
}

// missing reports whether err is the exit status defaults uses for an
// unknown key.
func missing(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	v, err := b.run("read", key)
	if missing(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	v, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	_, err := b.run("write", key, "-string", val)
	return err
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	_, err := b.run("write", key, "-int", strconv.Itoa(val))
	return err
}

func (b *defaultsBackend) Delete(key string) error {
	_, err := b.run("delete", key)
	if missing(err) {
		return nil
	}
	return err
}
