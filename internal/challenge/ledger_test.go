// ABOUTME: Tests for the challenge ledger
// ABOUTME: Covers single use, expiry against the server clock, bindings, and races

package challenge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/forum-auth/internal/kv"
)

func newTestLedger(t *testing.T) (*Ledger, *kv.MemoryStore) {
	t.Helper()
	mem := kv.NewMemoryStore(0)
	t.Cleanup(func() { _ = mem.Close() })
	return NewLedger(mem, 300*time.Second, nil), mem
}

func TestIssue_ValueShape(t *testing.T) {
	l, _ := newTestLedger(t)

	c, err := l.Issue(context.Background(), Grant{Purpose: PurposeLogin})
	require.NoError(t, err)

	assert.Len(t, c.Raw(), ValueSize)
	assert.Equal(t, PurposeLogin, c.Purpose)
	assert.Empty(t, c.Binding)
	assert.Equal(t, 300*time.Second, c.TTL)
	assert.WithinDuration(t, time.Now().Add(300*time.Second), c.ExpiresAt(), 5*time.Second)
}

func TestIssue_ValuesAreUnique(t *testing.T) {
	l, _ := newTestLedger(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c, err := l.Issue(context.Background(), Grant{Purpose: PurposeLogin})
		require.NoError(t, err)
		require.False(t, seen[c.Value], "duplicate challenge value")
		seen[c.Value] = true
	}
}

func TestConsume_RoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	issued, err := l.Issue(ctx, Grant{
		Purpose: PurposeRegister,
		Binding: "owner-a",
		State:   []byte(`{"user_id":"b3duZXItYQ"}`),
	})
	require.NoError(t, err)

	got, err := l.Consume(ctx, issued.Value)
	require.NoError(t, err)
	assert.Equal(t, issued.Value, got.Value)
	assert.Equal(t, PurposeRegister, got.Purpose)
	assert.Equal(t, "owner-a", got.Binding)
	assert.Equal(t, issued.State, got.State)
}

func TestConsume_SecondUseFails(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	c, err := l.Issue(ctx, Grant{Purpose: PurposeLogin})
	require.NoError(t, err)

	_, err = l.Consume(ctx, c.Value)
	require.NoError(t, err)

	_, err = l.Consume(ctx, c.Value)
	assert.ErrorIs(t, err, ErrExpiredOrUnknown)
}

func TestConsume_Unknown(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for _, v := range []string{"", "not base64!", "c2hvcnQ", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"} {
		_, err := l.Consume(ctx, v)
		assert.ErrorIs(t, err, ErrExpiredOrUnknown, "value %q", v)
	}
}

func TestConsume_ExpiredByServerClock(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	c, err := l.Issue(ctx, Grant{Purpose: PurposeLogin})
	require.NoError(t, err)

	// The memory store still holds the key; the ledger's own check rejects it.
	now = now.Add(301 * time.Second)

	_, err = l.Consume(ctx, c.Value)
	assert.ErrorIs(t, err, ErrExpiredOrUnknown)
}

func TestConsume_ExpiredByStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client, "forum:")
	defer store.Close()

	l := NewLedger(store, 300*time.Second, nil)
	ctx := context.Background()

	c, err := l.Issue(ctx, Grant{Purpose: PurposeLogin})
	require.NoError(t, err)

	mr.FastForward(301 * time.Second)

	_, err = l.Consume(ctx, c.Value)
	assert.ErrorIs(t, err, ErrExpiredOrUnknown)
}

func TestConsume_JustBeforeExpiry(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	c, err := l.Issue(ctx, Grant{Purpose: PurposeLogin})
	require.NoError(t, err)

	now = now.Add(299 * time.Second)
	_, err = l.Consume(ctx, c.Value)
	assert.NoError(t, err)
}

func TestConsume_ConcurrentOneWinner(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	c, err := l.Issue(ctx, Grant{Purpose: PurposeLogin})
	require.NoError(t, err)

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(ctx, c.Value)
			if err == nil {
				wins.Add(1)
			} else if errors.Is(err, ErrExpiredOrUnknown) {
				losses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), losses.Load())
}

func TestIssue_StoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := kv.NewRedisStoreFromClient(client, "")
	defer store.Close()
	mr.Close()

	l := NewLedger(store, time.Minute, nil)
	_, err := l.Issue(context.Background(), Grant{Purpose: PurposeLogin})
	assert.ErrorIs(t, err, kv.ErrUnavailable)
}

func TestNewLedger_DefaultTTL(t *testing.T) {
	l := NewLedger(kv.NewMemoryStore(0), 0, nil)
	assert.Equal(t, DefaultTTL, l.TTL())
}
