package memstore

import (
	"context"
	"testing"
	"time"

	"taskq/internal/infra/storetest"
	"taskq/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.TaskStore {
		return New()
	})
}

func TestSubscribe(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake, err := s.Subscribe(ctx)
	require.NoError(t, err)

	// bursts coalesce into one pending signal
	for range 3 {
		_, err := s.Create(ctx, "report", nil, 0)
		require.NoError(t, err)
	}
	_, ok := <-wake
	assert.True(t, ok)
	select {
	case <-wake:
		t.Fatal("signals were not coalesced")
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-wake
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, err = s.Create(context.Background(), "report", nil, 0)
	require.NoError(t, err)
}
