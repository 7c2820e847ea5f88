package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopmindai/pingpongbot/internal/apperr"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultMatchEngineConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	cfg := DefaultMatchEngineConfig()
	cfg.InitialDelay = time.Millisecond

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return apperr.New(apperr.OptimisticConflict, "op", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_NeverRetriesNonTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultMatchEngineConfig(), func(ctx context.Context) error {
		calls++
		return apperr.New(apperr.InvalidArgument, "op", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestDo_ExhaustsAfterMaxRetries(t *testing.T) {
	cfg := DefaultMatchEngineConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxRetries = 3

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return apperr.New(apperr.OptimisticConflict, "op", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls) // initial attempt + 3 retries
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
}

func TestDo_CancellationStopsPromptly(t *testing.T) {
	cfg := DefaultMatchEngineConfig()
	cfg.InitialDelay = time.Hour // would block forever if not interrupted

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		return apperr.New(apperr.OptimisticConflict, "op", nil)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}
