package native

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/pccare/internal/identity"
)

// TokenSource reads the device token from configuration or a token file.
// The token is opaque and never logged.
type TokenSource struct {
	Token string
	Path  string
}

// DeviceToken implements identity.TokenSource.
func (t TokenSource) DeviceToken(context.Context) (string, error) {
	if tok := strings.TrimSpace(t.Token); tok != "" {
		return tok, nil
	}
	if t.Path == "" {
		return "", identity.ErrNoToken
	}
	data, err := os.ReadFile(t.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", identity.ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read device token: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", identity.ErrNoToken
	}
	return tok, nil
}
