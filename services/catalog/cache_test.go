package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheLoadsOnceUntilExpiry(t *testing.T) {
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }

	loads := 0
	load := func(ctx context.Context, id string) (*LicenseType, error) {
		loads++
		return &LicenseType{ID: id, Name: "v"}, nil
	}

	for i := 0; i < 3; i++ {
		lt, err := c.Get(context.Background(), "lt-1", load)
		require.NoError(t, err)
		require.Equal(t, "lt-1", lt.ID)
	}
	require.Equal(t, 1, loads)

	now = now.Add(2 * time.Minute)
	_, err := c.Get(context.Background(), "lt-1", load)
	require.NoError(t, err)
	require.Equal(t, 2, loads)

	c.Invalidate("lt-1")
	_, err = c.Get(context.Background(), "lt-1", load)
	require.NoError(t, err)
	require.Equal(t, 3, loads)
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache(time.Minute)
	load := func(ctx context.Context, id string) (*LicenseType, error) {
		return &LicenseType{ID: id, Name: "original"}, nil
	}

	lt, err := c.Get(context.Background(), "lt-1", load)
	require.NoError(t, err)
	lt.Name = "changed"

	again, err := c.Get(context.Background(), "lt-1", load)
	require.NoError(t, err)
	require.Equal(t, "original", again.Name)
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	c := NewCache(time.Minute)
	calls := 0
	load := func(ctx context.Context, id string) (*LicenseType, error) {
		calls++
		return nil, errors.New("boom")
	}

	_, err := c.Get(context.Background(), "lt-1", load)
	require.Error(t, err)
	_, err = c.Get(context.Background(), "lt-1", load)
	require.Error(t, err)
	require.Equal(t, 2, calls)
}
