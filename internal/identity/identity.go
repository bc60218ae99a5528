// Package identity resolves the remote device id for this installation.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/pccare/internal/domain"
)

// ErrNoToken is returned when the host has no device token yet.
var ErrNoToken = errors.New("device token not available")

// TokenSource yields the opaque device token.
type TokenSource interface {
	DeviceToken(ctx context.Context) (string, error)
}

// Lookup resolves a token to a remote device id.
type Lookup interface {
	LookupDevice(ctx context.Context, token string) (string, error)
}

// SettingsStore persists the cached id.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// Resolver caches the remote device id in memory and in settings. The cache
// is keyed by a hash of the token so a rotated token forces a new lookup.
type Resolver struct {
	tokens   TokenSource
	lookup   Lookup
	settings SettingsStore
	logger   *slog.Logger

	mu        sync.Mutex
	deviceID  string
	tokenHash string
}

// NewResolver creates a Resolver.
func NewResolver(tokens TokenSource, lookup Lookup, settings SettingsStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{tokens: tokens, lookup: lookup, settings: settings, logger: logger}
}

// DeviceID returns the remote device id, consulting the remote only when no
// id is cached for the current token.
func (r *Resolver) DeviceID(ctx context.Context) (string, error) {
	token, err := r.tokens.DeviceToken(ctx)
	if err != nil {
		return "", fmt.Errorf("read device token: %w", err)
	}
	if token == "" {
		return "", ErrNoToken
	}
	hash := hashToken(token)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deviceID != "" && r.tokenHash == hash {
		return r.deviceID, nil
	}

	cachedHash, okHash, err := r.settings.GetSetting(ctx, domain.SettingDeviceTokenHash)
	if err != nil {
		return "", fmt.Errorf("read cached token hash: %w", err)
	}
	cachedID, okID, err := r.settings.GetSetting(ctx, domain.SettingDeviceRemoteID)
	if err != nil {
		return "", fmt.Errorf("read cached device id: %w", err)
	}
	if okHash && okID && cachedHash == hash && cachedID != "" {
		r.deviceID, r.tokenHash = cachedID, hash
		return cachedID, nil
	}

	id, err := r.lookup.LookupDevice(ctx, token)
	if err != nil {
		return "", fmt.Errorf("resolve device id: %w", err)
	}

	if err := r.settings.SetSetting(ctx, domain.SettingDeviceRemoteID, id); err != nil {
		return "", fmt.Errorf("cache device id: %w", err)
	}
	if err := r.settings.SetSetting(ctx, domain.SettingDeviceTokenHash, hash); err != nil {
		return "", fmt.Errorf("cache token hash: %w", err)
	}
	r.deviceID, r.tokenHash = id, hash
	r.logger.Info("Resolved remote device id", "device_id", id)
	return id, nil
}

// Invalidate forgets the cached id so the next DeviceID call asks the remote.
func (r *Resolver) Invalidate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviceID, r.tokenHash = "", ""
	if err := r.settings.DeleteSetting(ctx, domain.SettingDeviceRemoteID); err != nil {
		return fmt.Errorf("drop cached device id: %w", err)
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
