package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/errutil"

	"github.com/stretchr/testify/require"
)

func testRetryPolicy(attempts int) retryPolicy {
	return retryPolicy{
		maxAttempts:     attempts,
		initialInterval: time.Millisecond,
		maxInterval:     2 * time.Millisecond,
		timeout:         time.Second,
	}
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   errutil.CoreStatus
	}{
		{name: "first attempt succeeds", wantCalls: 1},
		{name: "conflict then success", failures: 2, err: errutil.Conflict("lost race", nil), wantCalls: 3},
		{name: "conflict exhausts attempts", failures: 10, err: errutil.Conflict("lost race", nil), wantCalls: 4, wantErr: errutil.StatusConflict},
		{name: "storage unavailable is retried", failures: 1, err: errutil.StorageUnavailable("timeout", nil), wantCalls: 2},
		{name: "not found stops", failures: 10, err: errutil.NotFound("missing", nil), wantCalls: 1, wantErr: errutil.StatusNotFound},
		{name: "plain error becomes internal", failures: 10, err: errors.New("boom"), wantCalls: 1, wantErr: errutil.StatusInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := testRetryPolicy(4).run(context.Background(), "test", func(ctx context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})

			require.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.True(t, errutil.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestRetryPolicyBoundsEachAttempt(t *testing.T) {
	err := testRetryPolicy(1).run(context.Background(), "test", func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		require.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := testRetryPolicy(5).run(ctx, "test", func(ctx context.Context) error {
		calls++
		cancel()
		return errutil.Conflict("lost race", nil)
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestNewRetryPolicyDefaults(t *testing.T) {
	p := newRetryPolicy(config.Licensing{})
	require.Equal(t, 1, p.maxAttempts)
	require.Equal(t, 20*time.Millisecond, p.initialInterval)
	require.Equal(t, p.initialInterval, p.maxInterval)
}
