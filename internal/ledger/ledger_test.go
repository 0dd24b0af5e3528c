package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"sentinal-e2ee/internal/domain/outbox"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, outbox.OutgoingRequest, json.RawMessage) error { return nil }

func TestEnqueueDispatchResolve(t *testing.T) {
	l := New(nil, nil)
	req, err := l.Enqueue(outbox.KindKeysUpload, map[string]any{"one_time_keys": map[string]any{}})
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)
	assert.Equal(t, outbox.StatusCreated, req.Status)
	assert.JSONEq(t, `{"one_time_keys":{}}`, string(req.Body))

	require.NoError(t, l.Dispatch(req.ID))
	got, ok := l.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, outbox.StatusSent, got.Status)
	assert.NotNil(t, got.SentAt)

	resolved, err := l.Resolve(context.Background(), req.ID, outbox.KindKeysUpload, json.RawMessage(`{}`), noop)
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Empty(t, l.Pending())

	resolved, err = l.Resolve(context.Background(), req.ID, outbox.KindKeysUpload, json.RawMessage(`{}`), noop)
	assert.False(t, resolved)
	assert.ErrorIs(t, err, sentinal_errors.ErrRequestResolved)

	assert.ErrorIs(t, l.Dispatch(req.ID), sentinal_errors.ErrRequestResolved)
}

func TestResolveUnknownLeavesOthersPending(t *testing.T) {
	l := New(nil, nil)
	a, err := l.Enqueue(outbox.KindKeysQuery, json.RawMessage(`{"device_keys":{}}`))
	require.NoError(t, err)

	resolved, err := l.Resolve(context.Background(), "not-a-request", outbox.KindKeysQuery, nil, noop)
	assert.False(t, resolved)
	assert.ErrorIs(t, err, sentinal_errors.ErrUnknownRequest)

	pending := l.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(l.metrics.ResolutionRejected.WithLabelValues("unknown-request")))
}

func TestResolveOutOfOrder(t *testing.T) {
	l := New(nil, nil)
	var ids []string
	for i := 0; i < 3; i++ {
		req, err := l.Enqueue(outbox.KindToDevice, json.RawMessage(`{}`))
		require.NoError(t, err)
		ids = append(ids, req.ID)
	}

	for _, idx := range []int{2, 0, 1} {
		ok, err := l.Resolve(context.Background(), ids[idx], outbox.KindToDevice, json.RawMessage(`{}`), noop)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Empty(t, l.Pending())
}

func TestResolveKindMismatch(t *testing.T) {
	l := New(nil, nil)
	req, err := l.Enqueue(outbox.KindKeysClaim, json.RawMessage(`{}`))
	require.NoError(t, err)

	ok, err := l.Resolve(context.Background(), req.ID, outbox.KindKeysQuery, json.RawMessage(`{}`), noop)
	assert.False(t, ok)
	assert.ErrorIs(t, err, sentinal_errors.ErrRequestKind)
	assert.Len(t, l.Pending(), 1)
}

func TestApplyFailureKeepsRequestPending(t *testing.T) {
	l := New(nil, nil)
	req, err := l.Enqueue(outbox.KindKeysQuery, json.RawMessage(`{}`))
	require.NoError(t, err)

	boom := errors.New("merge failed")
	ok, err := l.Resolve(context.Background(), req.ID, outbox.KindKeysQuery, json.RawMessage(`{}`), func(context.Context, outbox.OutgoingRequest, json.RawMessage) error {
		return boom
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, l.Pending(), 1)

	ok, err = l.Resolve(context.Background(), req.ID, outbox.KindKeysQuery, json.RawMessage(`{}`), noop)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentResolveAppliesOnce(t *testing.T) {
	l := New(nil, nil)
	req, err := l.Enqueue(outbox.KindKeysClaim, json.RawMessage(`{}`))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	applied := 0
	var mu sync.Mutex
	slow := func(context.Context, outbox.OutgoingRequest, json.RawMessage) error {
		mu.Lock()
		applied++
		mu.Unlock()
		close(entered)
		<-release
		return nil
	}

	done := make(chan bool)
	go func() {
		ok, _ := l.Resolve(context.Background(), req.ID, outbox.KindKeysClaim, json.RawMessage(`{}`), slow)
		done <- ok
	}()
	<-entered

	ok, err := l.Resolve(context.Background(), req.ID, outbox.KindKeysClaim, json.RawMessage(`{}`), noop)
	assert.False(t, ok)
	assert.ErrorIs(t, err, sentinal_errors.ErrResolutionInFlight)

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, 1, applied)
}

func TestConcurrentDistinctResolutions(t *testing.T) {
	l := New(nil, nil)
	const n = 50
	ids := make([]string, n)
	for i := range ids {
		req, err := l.Enqueue(outbox.KindToDevice, json.RawMessage(`{}`))
		require.NoError(t, err)
		ids[i] = req.ID
	}

	var wg sync.WaitGroup
	results := make(chan bool, n*2)
	for _, id := range ids {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				ok, _ := l.Resolve(context.Background(), id, outbox.KindToDevice, json.RawMessage(`{}`), noop)
				results <- ok
			}(id)
		}
	}
	wg.Wait()
	close(results)

	successes := 0
	for ok := range results {
		if ok {
			successes++
		}
	}
	assert.Equal(t, n, successes)
	assert.Empty(t, l.Pending())
}

func TestPruneForgetsAcknowledged(t *testing.T) {
	l := New(nil, nil)
	now := time.Now()
	l.clock = func() time.Time { return now }

	done, err := l.Enqueue(outbox.KindKeysUpload, json.RawMessage(`{}`))
	require.NoError(t, err)
	open, err := l.Enqueue(outbox.KindKeysQuery, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = l.Resolve(context.Background(), done.ID, outbox.KindKeysUpload, json.RawMessage(`{}`), noop)
	require.NoError(t, err)

	assert.Equal(t, 1, l.Prune(now.Add(time.Minute)))
	_, ok := l.Get(done.ID)
	assert.False(t, ok)
	_, ok = l.Get(open.ID)
	assert.True(t, ok)
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	l := New(nil, nil)
	_, err := l.Enqueue(outbox.Kind("BOGUS"), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, sentinal_errors.ErrInvalidInput)
}
