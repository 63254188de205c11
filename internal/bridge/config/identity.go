// Package config loads and persists the bridge's identity file and its
// layered runtime options (defaults, YAML, environment, flags).
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a config directory has no identity file yet.
var ErrNotFound = errors.New("config: identity file not found")

const (
	identityFileName = "config"
	identityFilePerm = 0o600
	authTokenBytes   = 32
)

// TransportSettings holds the selected transport's configuration, persisted
// alongside the identity so a restart doesn't change how clients reach the
// bridge.
type TransportSettings struct {
	Kind string `json:"kind"` // "local", "tunnel", "tailscale"
	Bind string `json:"bind,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Identity is the bridge's stable, persisted identity: its agent ID, its
// auth token, and its transport settings.
type Identity struct {
	AgentID   string            `json:"agentId"`
	AuthToken string            `json:"authToken"`
	Transport TransportSettings `json:"transport"`
}

// LoadIdentity reads the identity file from dir. Returns ErrNotFound if it
// does not exist.
func LoadIdentity(dir string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(dir, identityFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("config: read identity: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("config: parse identity: %w", err)
	}
	return &id, nil
}

// SaveIdentity writes id to dir's identity file with 0600 permissions.
func SaveIdentity(dir string, id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal identity: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, identityFileName), data, identityFilePerm); err != nil {
		return fmt.Errorf("config: write identity: %w", err)
	}
	return nil
}

// LoadOrCreateIdentity loads the identity in dir, generating and persisting
// a fresh one (random UUID agent ID, random auth token) if none exists yet.
func LoadOrCreateIdentity(dir string, transport TransportSettings) (*Identity, error) {
	id, err := LoadIdentity(dir)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	token, err := generateAuthToken()
	if err != nil {
		return nil, err
	}

	id = &Identity{
		AgentID:   uuid.NewString(),
		AuthToken: token,
		Transport: transport,
	}
	if err := SaveIdentity(dir, id); err != nil {
		return nil, err
	}
	return id, nil
}

func generateAuthToken() (string, error) {
	buf := make([]byte, authTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("config: generate auth token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
