package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreWakesWaiter(t *testing.T) {
	table := New[string]()
	id := NewID()
	require.NoError(t, table.Register(id))

	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.True(t, table.Store(id, "OK"))
	}()

	got, err := table.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK", got)
	assert.Zero(t, table.Len())
}

func TestTimeoutRemovesEntry(t *testing.T) {
	table := New[int]()
	require.NoError(t, table.Register("r1"))

	start := time.Now()
	_, err := table.Wait(context.Background(), "r1", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, table.Store("r1", 5), "late reply must be dropped")
	assert.Zero(t, table.Len())
}

func TestContextCancel(t *testing.T) {
	table := New[int]()
	require.NoError(t, table.Register("r1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := table.Wait(ctx, "r1", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegisterDuplicateAndUnknown(t *testing.T) {
	table := New[int]()
	require.NoError(t, table.Register("a"))
	assert.ErrorIs(t, table.Register("a"), ErrDuplicate)

	_, err := table.Wait(context.Background(), "b", time.Millisecond)
	assert.ErrorIs(t, err, ErrNotRegistered)

	assert.True(t, table.Cancel("a"))
	assert.False(t, table.Cancel("a"))
}

func TestCloseFailsWaiters(t *testing.T) {
	table := New[int]()
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, table.Register(id))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := table.Wait(context.Background(), id, time.Second)
			assert.ErrorIs(t, err, ErrClosed)
		}(id)
	}

	table.Close(nil)
	wg.Wait()
	assert.ErrorIs(t, table.Register("d"), ErrClosed)
}

func TestStoreRacingTimeoutDeliversOnce(t *testing.T) {
	table := New[int]()
	for i := 0; i < 200; i++ {
		id := NewID()
		require.NoError(t, table.Register(id))

		stored := make(chan bool, 1)
		go func() { stored <- table.Store(id, i) }()

		v, err := table.Wait(context.Background(), id, time.Microsecond)
		if <-stored {
			require.NoError(t, err)
			assert.Equal(t, i, v)
		} else {
			assert.ErrorIs(t, err, ErrTimeout)
		}
	}
}
