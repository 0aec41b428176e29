package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

const (
	secretService  = "nanoviz"
	secretCloudKey = "openrouter_api_key"
	secretAPIToken = "api_token"
)

var errSecretNotFound = errors.New("secret not found")

// Keychain reads and writes secrets in the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformKeychain struct{}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 JSON file under $XDG_DATA_HOME elsewhere.
func NewKeychain() Keychain {
	return platformKeychain{}
}

func (platformKeychain) Get(service, account string) (string, error) {
	b, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the local API. NANOVIZ_API_TOKEN
// wins; otherwise the stored token is used, and a fresh one is generated and
// stored on first run.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv("NANOVIZ_API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := kc.Get(secretService, secretAPIToken)
	switch {
	case err == nil && tok != "":
		return tok, nil
	case err != nil && !errors.Is(err, errSecretNotFound):
		return "", fmt.Errorf("reading api token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := kc.Set(secretService, secretAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
