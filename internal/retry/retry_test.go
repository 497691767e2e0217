package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 2, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestDoReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 2, func() error {
		attempts++
		return errors.New("still failing")
	})
	require.Error(t, err)
	require.Equal(t, 2, attempts)
}

func TestDoWithOneAttemptNeverRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 1, func() error {
		attempts++
		return errors.New("fails once")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}
