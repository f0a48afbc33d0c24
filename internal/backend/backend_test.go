package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAwaitSharesParentDeadline(t *testing.T) {
	// Steps of one operation run under the operation's deadline, not a fresh
	// timeout each.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := await(ctx, 10*time.Second, "preflight wg0", func() error {
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	err = await(ctx, 10*time.Second, "wg-quick up wg0", func() error {
		time.Sleep(time.Second)
		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 800*time.Millisecond)
}
