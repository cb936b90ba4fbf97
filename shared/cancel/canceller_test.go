package cancel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/shared/cancel"
)

func TestCancel(t *testing.T) {
	c := cancel.New()

	require.NoError(t, c.Err())

	isClosed := false
	select {
	case <-c.Done():
		isClosed = true
	default:
	}

	require.False(t, isClosed)

	c.Cancel()

	require.ErrorIs(t, c.Err(), context.Canceled)
	require.ErrorIs(t, c.Err(), context.Canceled)

	isClosed = false
	select {
	case <-c.Done():
		isClosed = true
	default:
	}

	require.True(t, isClosed)

	// Cancel can be called multiple times.
	c.Cancel()
}
