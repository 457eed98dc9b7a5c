package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBNilSafe(t *testing.T) {
	var d *DB
	assert.False(t, d.Healthy(context.Background()))
	assert.NoError(t, d.Close())
}

func TestDBHealthyReflectsReachability(t *testing.T) {
	// Nothing listens on port 1; the open succeeds lazily, the ping must fail.
	d, err := NewDB("postgres://u:p@127.0.0.1:1/presence?sslmode=disable", 2, 1)
	require.NotNil(t, d)
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.False(t, d.Healthy(ctx))
	assert.NoError(t, d.Close())
}
