package cqrs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

func TestRetryOnConflict_succeedsAfterConflicts(t *testing.T) {
	calls := 0
	err := cqrs.RetryOnConflict(t.Context(), 3, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return cqrs.ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryOnConflict_exhausted(t *testing.T) {
	calls := 0
	err := cqrs.RetryOnConflict(t.Context(), 3, func(ctx context.Context) error {
		calls++
		return cqrs.ErrConflict
	})
	require.ErrorIs(t, err, cqrs.ErrConflict)
	require.Equal(t, 3, calls)
}

func TestRetryOnConflict_otherErrorsNotRetried(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := cqrs.RetryOnConflict(t.Context(), 3, func(ctx context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRetryOnConflict_validationNotRetried(t *testing.T) {
	calls := 0
	err := cqrs.RetryOnConflict(t.Context(), 5, func(ctx context.Context) error {
		calls++
		return &cqrs.ValidationError{Field: "email", Rule: "email", Message: "invalid"}
	})
	var verr *cqrs.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, 1, calls)
}
