package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettings struct {
	mu sync.Mutex
	m  map[string]string
}

func newFakeSettings() *fakeSettings { return &fakeSettings{m: map[string]string{}} }

func (f *fakeSettings) GetSetting(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	return v, ok, nil
}

func (f *fakeSettings) SetSetting(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
	return nil
}

func (f *fakeSettings) DeleteSetting(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, key)
	return nil
}

type staticToken string

func (s staticToken) DeviceToken(context.Context) (string, error) { return string(s), nil }

type countingLookup struct {
	calls int
	ids   map[string]string
}

func (c *countingLookup) LookupDevice(_ context.Context, token string) (string, error) {
	c.calls++
	id, ok := c.ids[token]
	if !ok {
		return "", errors.New("device not registered")
	}
	return id, nil
}

func TestDeviceIDCachedAcrossResolvers(t *testing.T) {
	ctx := context.Background()
	settings := newFakeSettings()
	lookup := &countingLookup{ids: map[string]string{"tok-a": "dev-a"}}

	r := NewResolver(staticToken("tok-a"), lookup, settings, nil)
	id, err := r.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", id)

	_, err = r.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.calls)

	restarted := NewResolver(staticToken("tok-a"), lookup, settings, nil)
	id, err = restarted.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", id)
	assert.Equal(t, 1, lookup.calls, "persisted id survives a restart")
}

func TestDeviceIDRotatedToken(t *testing.T) {
	ctx := context.Background()
	settings := newFakeSettings()
	lookup := &countingLookup{ids: map[string]string{"tok-a": "dev-a", "tok-b": "dev-b"}}

	_, err := NewResolver(staticToken("tok-a"), lookup, settings, nil).DeviceID(ctx)
	require.NoError(t, err)

	id, err := NewResolver(staticToken("tok-b"), lookup, settings, nil).DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev-b", id)
	assert.Equal(t, 2, lookup.calls)
}

func TestDeviceIDErrors(t *testing.T) {
	ctx := context.Background()
	lookup := &countingLookup{ids: map[string]string{}}

	_, err := NewResolver(staticToken(""), lookup, newFakeSettings(), nil).DeviceID(ctx)
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = NewResolver(staticToken("unknown"), lookup, newFakeSettings(), nil).DeviceID(ctx)
	assert.Error(t, err)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	settings := newFakeSettings()
	lookup := &countingLookup{ids: map[string]string{"tok-a": "dev-a"}}
	r := NewResolver(staticToken("tok-a"), lookup, settings, nil)

	_, err := r.DeviceID(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Invalidate(ctx))
	_, err = r.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, lookup.calls)
}
