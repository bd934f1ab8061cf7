package collector

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/labipam/labipam/manager/allocator"
	"github.com/labipam/labipam/manager/state/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	ctx := context.Background()
	a, err := allocator.New(ctx, store.NewMemoryStore(store.DefaultOptions()), allocator.Config{
		Network: netip.MustParsePrefix("192.168.0.0/16"),
	})
	require.NoError(t, err)
	defer a.Close()

	// allocated before the collector starts
	_, err = a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)

	c := NewCollector(a)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return c.Labs()["ocpv04"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = a.Allocate(ctx, "test-002", "ocpv04")
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "test-001", "ocpv05")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		labs := c.Labs()
		return labs["ocpv04"] == 2 && labs["ocpv05"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Deallocate(ctx, "test-001", "ocpv05"))
	assert.Eventually(t, func() bool {
		return c.Labs()["ocpv05"] == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ocpv04", "ocpv05"}, c.Clusters())

	c.Stop()
	assert.NoError(t, <-errCh)
}

func TestCollectorContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, err := allocator.New(ctx, store.NewMemoryStore(store.DefaultOptions()), allocator.Config{
		Network: netip.MustParsePrefix("10.0.0.0/16"),
	})
	require.NoError(t, err)
	defer a.Close()

	c := NewCollector(a)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
}
