package mutstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestGetAbsentKey ensures reading a key that was never written returns nil
// without error.
func TestGetAbsentKey(t *testing.T) {
	s := testStore(t)

	v, err := s.Get("nope")
	require.NoError(t, err)
	require.Nil(t, v)
}

// TestSetGetRoundTrip ensures a written value is read back intact.
func TestSetGetRoundTrip(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Set("k", []byte("v1")))
	v, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

// TestMutateSkipsWriteWhenUnchanged ensures a mutation reporting no change
// performs neither a write nor a watcher notification.
func TestMutateSkipsWriteWhenUnchanged(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Set("k", []byte("v1")))

	ch, cancel := s.Watch("k")
	defer cancel()

	next, err := s.Mutate("k", func(cur []byte) ([]byte, bool, error) {
		require.Equal(t, []byte("v1"), cur)
		return nil, false, nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), next)

	select {
	case v := <-ch:
		t.Fatalf("unexpected notification for no-op mutation: %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestWatchDeliversPostWriteValue ensures watchers observe the full value
// after every successful write.
func TestWatchDeliversPostWriteValue(t *testing.T) {
	s := testStore(t)

	ch, cancel := s.Watch("k")
	defer cancel()

	_, err := s.Mutate("k", func(cur []byte) ([]byte, bool, error) {
		require.Nil(t, cur)
		return []byte("v1"), true, nil
	})
	require.NoError(t, err)

	select {
	case v := <-ch:
		require.Equal(t, []byte("v1"), v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watcher notification")
	}

	// The value must also have been persisted.
	v, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

// TestWatchCoalescesWhenBehind ensures a slow watcher sees the most recent
// value rather than blocking writers.
func TestWatchCoalescesWhenBehind(t *testing.T) {
	s := testStore(t)

	ch, cancel := s.Watch("k")
	defer cancel()

	require.NoError(t, s.Set("k", []byte("v1")))
	require.NoError(t, s.Set("k", []byte("v2")))
	require.NoError(t, s.Set("k", []byte("v3")))

	select {
	case v := <-ch:
		require.Equal(t, []byte("v3"), v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watcher notification")
	}
}

// TestWatchCancelStopsDelivery ensures a cancelled watcher receives nothing
// further.
func TestWatchCancelStopsDelivery(t *testing.T) {
	s := testStore(t)

	ch, cancel := s.Watch("k")
	cancel()

	require.NoError(t, s.Set("k", []byte("v1")))

	select {
	case v := <-ch:
		t.Fatalf("unexpected notification after cancel: %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestMutateErrorAborts ensures an error from the mutation callback leaves
// the stored value untouched.
func TestMutateErrorAborts(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Set("k", []byte("v1")))

	_, err := s.Mutate("k", func(cur []byte) ([]byte, bool, error) {
		return []byte("v2"), true, errTest
	})
	require.Error(t, err)
	require.True(t, IsError(err, ErrMutate))

	v, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

var errTest = StoreError{ErrorCode: ErrMutate, Description: "boom"}
