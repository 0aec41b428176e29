//go:build darwin

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
)

// security exits with 44 when no matching item exists.
const securityItemNotFound = 44

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == securityItemNotFound {
		return nil, fmt.Errorf("keychain lookup %s/%s: %w", service, account, errSecretNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("keychain lookup %s/%s: %w", service, account, err)
	}
	return bytes.TrimSpace(out), nil
}

func keychainSet(service, account, value string) error {
	// -U updates the item in place when it already exists.
	out, err := exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("keychain write %s/%s: %w, output: %s", service, account, err, bytes.TrimSpace(out))
	}
	return nil
}
