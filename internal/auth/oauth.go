// Package auth implements C3, the Auth Provider: OAuth2 token
// acquisition, persistence, and SASL XOAUTH2 string generation for the
// two supported IMAP identity providers. Grounded on
// original_source/src/auth/oauth2_gmail.py and oauth2_outlook.py, with
// the provider-specific flows split into the auth/gmail and
// auth/outlook sub-packages and the token-file persistence and XOAUTH2
// framing shared here, since both originals implement byte-identical
// logic for both (RFC 7628's SASL XOAUTH2 string is provider-agnostic).
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Provider is the shared interface both gmail.Provider and
// outlook.Provider satisfy (spec.md §4.3).
type Provider interface {
	// InteractiveSetup runs the first-time authorization flow and
	// persists the resulting token.
	InteractiveSetup(ctx context.Context) error
	// AccessToken returns a currently valid access token, refreshing it
	// first if it is within the preemptive-refresh window.
	AccessToken(ctx context.Context) (string, error)
	// SASLXOAUTH2 returns the base64-encoded XOAUTH2 initial response
	// for authenticating as username.
	SASLXOAUTH2(ctx context.Context, username string) (string, error)
	// Revoke invalidates the stored token and removes the token file.
	Revoke(ctx context.Context) error
	// Info reports the current token's status for diagnostics.
	Info() TokenInfo
}

// TokenInfo summarizes a provider's current token state (spec.md §4.3
// info()).
type TokenInfo struct {
	Status           string     `json:"status"`
	Provider         string     `json:"provider"`
	HasRefreshToken  bool       `json:"has_refresh_token"`
	Scopes           []string   `json:"scopes,omitempty"`
	Expiry           *time.Time `json:"expiry,omitempty"`
	ExpiresInSeconds *float64   `json:"expires_in_seconds,omitempty"`
}

// RefreshBuffer is the preemptive-refresh window: a token within this
// long of expiring is treated as already expired (spec.md §4.3: "now +
// 5min >= expires_at").
const RefreshBuffer = 5 * time.Minute

// StoredToken is the on-disk persistence format, shared by both
// providers. Provider-specific extra state travels in Extra.
type StoredToken struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	TokenType    string            `json:"token_type,omitempty"`
	Expiry       time.Time         `json:"expiry"`
	Scopes       []string          `json:"scopes,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Expired reports whether the token is within RefreshBuffer of expiry.
func (t StoredToken) Expired() bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(RefreshBuffer).After(t.Expiry)
}

// LoadToken reads a StoredToken from path. A missing file is not an
// error; it reports (StoredToken{}, false, nil).
func LoadToken(path string) (StoredToken, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return StoredToken{}, false, nil
	}
	if err != nil {
		return StoredToken{}, false, fmt.Errorf("read token file: %w", err)
	}
	var tok StoredToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return StoredToken{}, false, fmt.Errorf("parse token file: %w", err)
	}
	return tok, true, nil
}

// SaveToken writes tok to path with owner-only permissions, creating
// parent directories as needed (spec.md §4.3: "token persistence as
// JSON with owner-only file permissions").
func SaveToken(path string, tok StoredToken) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// DeleteToken removes the token file. Missing-file is not an error.
func DeleteToken(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete token file: %w", err)
	}
	return nil
}

// SASLXOAUTH2String builds the RFC 7628 XOAUTH2 initial client
// response and base64-encodes it, identically to both Python originals'
// generate_xoauth2_string.
func SASLXOAUTH2String(username, accessToken string) string {
	raw := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", username, accessToken)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// Log is a small helper so sub-packages don't need to depend on zap
// directly for their single shared log call site pattern.
func Log(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
