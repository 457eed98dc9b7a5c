package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	signals, err := q.Consume(ctx)
	require.NoError(t, err)

	want := Signal{Kind: "dispatch", Body: []byte("now")}
	require.NoError(t, q.Publish(ctx, want))

	select {
	case got := <-signals:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(1)
	signals, err := q.Consume(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-signals:
		assert.False(t, ok, "channel must close after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}

func TestInMemoryPublishFullQueueHonorsContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Signal{Kind: "dispatch"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, Signal{Kind: "dispatch"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParse(t *testing.T) {
	sig := parse("dispatch|payload")
	assert.Equal(t, "dispatch", sig.Kind)
	assert.Equal(t, []byte("payload"), sig.Body)

	sig = parse("bare")
	assert.Empty(t, sig.Kind)
	assert.Equal(t, []byte("bare"), sig.Body)
}
