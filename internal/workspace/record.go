package workspace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/hesabu/internal/identity"
)

// ConfigRecord is the per-session analysis configuration persisted at the
// workspace root. Credential holds raw API key material and exists in two
// forms: this full record, which never leaves the server process, and the
// RedactedConfig view, which is the only shape allowed into any
// client-visible channel.
type ConfigRecord struct {
	ModelChoice string    `json:"model_choice"`
	BaseURL     string    `json:"base_url,omitempty"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Credential  string    `json:"credential,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RedactedConfig is the client-safe view of a ConfigRecord. It is derived
// by a pure function and can never be converted back to the full record.
type RedactedConfig struct {
	ModelChoice       string    `json:"model_choice"`
	BaseURL           string    `json:"base_url,omitempty"`
	Temperature       float64   `json:"temperature"`
	MaxTokens         int       `json:"max_tokens"`
	CredentialPreview string    `json:"credential_preview"`
	HasCredential     bool      `json:"has_credential"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultConfig is what LoadConfig falls back to when no record exists.
func DefaultConfig() ConfigRecord {
	return ConfigRecord{
		ModelChoice: "gpt-4o-mini",
		Temperature: 0.2,
		MaxTokens:   4096,
	}
}

// Redacted derives the client-safe view.
func (c ConfigRecord) Redacted() RedactedConfig {
	return RedactedConfig{
		ModelChoice:       c.ModelChoice,
		BaseURL:           c.BaseURL,
		Temperature:       c.Temperature,
		MaxTokens:         c.MaxTokens,
		CredentialPreview: MaskSecret(c.Credential),
		HasCredential:     c.Credential != "",
		UpdatedAt:         c.UpdatedAt,
	}
}

// MaskSecret keeps the first and last four characters of a secret and
// masks the middle. Secrets of eight characters or fewer are fully
// masked; a preview would reveal the whole value.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// SaveConfig persists the full record at the workspace root with
// restrictive permissions. The workspace is created if absent.
func (s *Store) SaveConfig(id identity.SessionID, rec ConfigRecord) error {
	ws, err := s.Ensure(id)
	if err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	path := filepath.Join(ws.Root, configFileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	s.logger.Info("config saved",
		slog.String("session_id", string(id)),
		slog.String("model", rec.ModelChoice),
	)
	return nil
}

// LoadConfig reads the session's config record. A missing workspace or
// record yields defaults plus ErrNotFound so the caller can distinguish
// "saved" from "defaulted" while still having a usable value.
func (s *Store) LoadConfig(id identity.SessionID) (ConfigRecord, error) {
	ws, err := s.resolve(id)
	if err != nil {
		return DefaultConfig(), err
	}

	data, err := os.ReadFile(filepath.Join(ws.Root, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), fmt.Errorf("config for %s: %w", id, ErrNotFound)
		}
		return DefaultConfig(), fmt.Errorf("reading config: %w", err)
	}

	var rec ConfigRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return DefaultConfig(), fmt.Errorf("decoding config: %w", err)
	}
	return rec, nil
}
