package allocator

import (
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/labipam/labipam/api"
	"github.com/labipam/labipam/manager/allocator/errors"
	"github.com/labipam/labipam/manager/state/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNetwork = "192.168.0.0/16"

func newTestAllocator(t *testing.T, network string, opts ...func(*Config)) (*Allocator, store.Store) {
	s := store.NewMemoryStore(store.DefaultOptions())
	return newTestAllocatorWithStore(t, s, network, opts...), s
}

func newTestAllocatorWithStore(t *testing.T, s store.Store, network string, opts ...func(*Config)) *Allocator {
	config := Config{Network: netip.MustParsePrefix(network)}
	for _, o := range opts {
		o(&config)
	}
	a, err := New(context.Background(), s, config)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func addrs(t *testing.T, first string, n int) []netip.Addr {
	start := netip.MustParseAddr(first)
	out := make([]netip.Addr, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, start)
		start = start.Next()
	}
	require.Len(t, out, n)
	return out
}

func TestAllocateFirstLab(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()

	alloc, err := a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)

	assert.Equal(t, "test-001", alloc.LabUID)
	assert.Equal(t, "ocpv04", alloc.Cluster)
	assert.Equal(t, testNetwork, alloc.Network)
	assert.Equal(t, api.AllocationStatusActive, alloc.Status)
	assert.Equal(t, uint32(1025), alloc.Offset)
	assert.Equal(t, addrs(t, "192.168.4.1", 16), alloc.Addresses)

	assert.Equal(t, addrs(t, "192.168.4.1", 3), alloc.Workers())
	assert.Equal(t, "192.168.4.4", alloc.Bastion().String())
	assert.Equal(t, "192.168.4.5", alloc.PublicStart().String())
	assert.Equal(t, "192.168.4.16", alloc.PublicEnd().String())
	assert.Equal(t, "192.168.4.11", alloc.ConversionHost().String())

	second, err := a.Allocate(ctx, "test-002", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, addrs(t, "192.168.4.17", 16), second.Addresses)
}

func TestClustersOverlap(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()

	first, err := a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)
	other, err := a.Allocate(ctx, "test-001", "ocpv05")
	require.NoError(t, err)

	assert.Equal(t, first.Addresses, other.Addresses)
	assert.Equal(t, "ocpv05", other.Cluster)
}

func TestAllocateDefaultCluster(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()

	alloc, err := a.Allocate(ctx, "test-001", "")
	require.NoError(t, err)
	assert.Equal(t, api.DefaultCluster, alloc.Cluster)

	got, err := a.Get(ctx, "test-001", api.DefaultCluster)
	require.NoError(t, err)
	assert.Equal(t, alloc.Addresses, got.Addresses)
}

func TestAllocateIdempotent(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()

	first, err := a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)
	again, err := a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)

	assert.Equal(t, first.Addresses, again.Addresses)
	assert.True(t, first.AllocatedAt.Equal(again.AllocatedAt))
	assert.Equal(t, first.Sequence, again.Sequence)

	all, err := a.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAllocateSkipsProtected(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()

	var last *api.Allocation
	for i := 0; i < 16; i++ {
		var err error
		last, err = a.Allocate(ctx, fmt.Sprintf("lab-%02d", i), "ocpv04")
		require.NoError(t, err)
		if i == 14 {
			assert.Equal(t, addrs(t, "192.168.4.225", 16), last.Addresses)
		}
	}
	// .241 to .255 cannot hold a lab, .5.0 is a block edge
	assert.Equal(t, addrs(t, "192.168.5.1", 16), last.Addresses)
}

func TestAllocationsDisjointAndUnprotected(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()
	f := a.Filter()

	seen := make(map[netip.Addr]string)
	for i := 0; i < 200; i++ {
		lab := fmt.Sprintf("lab-%03d", i)
		alloc, err := a.Allocate(ctx, lab, "ocpv04")
		require.NoError(t, err)
		require.Len(t, alloc.Addresses, api.AddressesPerLab)
		for _, addr := range alloc.Addresses {
			assert.False(t, f.IsProtectedAddr(addr), "%s got protected address %s", lab, addr)
			if owner, ok := seen[addr]; ok {
				t.Fatalf("%s and %s share %s", owner, lab, addr)
			}
			seen[addr] = lab
		}
	}
}

func TestDeallocate(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()

	released, err := a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "test-002", "ocpv04")
	require.NoError(t, err)

	require.NoError(t, a.Deallocate(ctx, "test-001", "ocpv04"))

	_, err = a.Get(ctx, "test-001", "ocpv04")
	assert.True(t, errors.IsErrNotFound(err), "unexpected error: %v", err)

	err = a.Deallocate(ctx, "test-001", "ocpv04")
	assert.True(t, errors.IsErrNotFound(err), "unexpected error: %v", err)

	// the bump cursor never rewinds
	next, err := a.Allocate(ctx, "test-003", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, addrs(t, "192.168.4.33", 16), next.Addresses)
	assert.NotEqual(t, released.Offset, next.Offset)

	// reallocating the released lab gives it fresh addresses
	back, err := a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, addrs(t, "192.168.4.49", 16), back.Addresses)
}

func TestDeallocateOtherClusterUntouched(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()

	_, err := a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "test-001", "ocpv05")
	require.NoError(t, err)

	require.NoError(t, a.Deallocate(ctx, "test-001", "ocpv04"))
	_, err = a.Get(ctx, "test-001", "ocpv05")
	assert.NoError(t, err)
}

func TestReclaimPolicy(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork, func(c *Config) {
		c.ReusePolicy = ReuseReclaim
	})
	ctx := context.Background()

	for _, lab := range []string{"lab-a", "lab-b", "lab-c"} {
		_, err := a.Allocate(ctx, lab, "ocpv04")
		require.NoError(t, err)
	}
	freed, err := a.Get(ctx, "lab-b", "ocpv04")
	require.NoError(t, err)
	require.NoError(t, a.Deallocate(ctx, "lab-b", "ocpv04"))

	d, err := a.Allocate(ctx, "lab-d", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, freed.Addresses, d.Addresses)

	e, err := a.Allocate(ctx, "lab-e", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, addrs(t, "192.168.4.49", 16), e.Addresses)
}

func TestCapacityExhausted(t *testing.T) {
	// a /21 has two usable /24 blocks of 15 labs each
	a, _ := newTestAllocator(t, "10.20.0.0/21")
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, err := a.Allocate(ctx, fmt.Sprintf("lab-%02d", i), "ocpv04")
		require.NoError(t, err)
	}

	_, err := a.Allocate(ctx, "lab-30", "ocpv04")
	assert.True(t, errors.IsErrCapacityExhausted(err), "unexpected error: %v", err)

	all, err := a.List(ctx, "ocpv04")
	require.NoError(t, err)
	assert.Len(t, all, 30)
	_, err = a.Get(ctx, "lab-30", "ocpv04")
	assert.True(t, errors.IsErrNotFound(err))

	// existing labs are still returned once the cluster is full
	_, err = a.Allocate(ctx, "lab-00", "ocpv04")
	assert.NoError(t, err)

	// other clusters have their own capacity
	_, err = a.Allocate(ctx, "lab-30", "ocpv05")
	assert.NoError(t, err)
}

func TestInvalidInput(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()

	for _, tc := range []struct {
		name    string
		labUID  string
		cluster string
	}{
		{"empty lab", "", "ocpv04"},
		{"whitespace lab", "test 001", "ocpv04"},
		{"control character", "test\x00001", "ocpv04"},
		{"too long", strings.Repeat("a", MaxKeyLength+1), "ocpv04"},
		{"bad cluster", "test-001", "ocp\tv04"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Allocate(ctx, tc.labUID, tc.cluster)
			assert.True(t, errors.IsErrInvalidInput(err), "unexpected error: %v", err)
			_, err = a.Get(ctx, tc.labUID, tc.cluster)
			assert.True(t, errors.IsErrInvalidInput(err), "unexpected error: %v", err)
			err = a.Deallocate(ctx, tc.labUID, tc.cluster)
			assert.True(t, errors.IsErrInvalidInput(err), "unexpected error: %v", err)
		})
	}

	_, err := a.Allocate(ctx, strings.Repeat("a", MaxKeyLength), "ocpv04")
	assert.NoError(t, err)

	_, err = a.List(ctx, "ocp v04")
	assert.True(t, errors.IsErrInvalidInput(err))
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, tc := range []struct {
		name   string
		config Config
	}{
		{"zero network", Config{}},
		{"ipv6", Config{Network: netip.MustParsePrefix("fd00::/64")}},
		{"host bits", Config{Network: netip.MustParsePrefix("192.168.1.0/16")}},
		{"too small", Config{Network: netip.MustParsePrefix("192.168.0.0/24")}},
		{"reuse policy", Config{Network: netip.MustParsePrefix(testNetwork), ReusePolicy: "sometimes"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(context.Background(), store.NewMemoryStore(store.DefaultOptions()), tc.config)
			assert.True(t, errors.IsErrInvalidInput(err), "unexpected error: %v", err)
		})
	}
}

func TestNetworkPinning(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.DefaultOptions())

	a := newTestAllocatorWithStore(t, s, testNetwork)
	_, err := a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)

	_, err = New(ctx, s, Config{Network: netip.MustParsePrefix("10.0.0.0/16")})
	assert.True(t, errors.IsErrInvalidInput(err), "unexpected error: %v", err)

	// same network again is fine
	newTestAllocatorWithStore(t, s, testNetwork)

	// an emptied store may move, and starts from the beginning
	require.NoError(t, a.Deallocate(ctx, "test-001", "ocpv04"))
	moved := newTestAllocatorWithStore(t, s, "10.0.0.0/16")
	alloc, err := moved.Allocate(ctx, "test-002", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, addrs(t, "10.0.4.1", 16), alloc.Addresses)
}

func TestBoltPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ipam.db")

	s, err := store.OpenBolt(path, store.DefaultOptions())
	require.NoError(t, err)
	a := newTestAllocatorWithStore(t, s, testNetwork)
	first, err := a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, s.Close())

	s, err = store.OpenBolt(path, store.DefaultOptions())
	require.NoError(t, err)
	defer s.Close()
	a = newTestAllocatorWithStore(t, s, testNetwork)

	got, err := a.Get(ctx, "test-001", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, first.Addresses, got.Addresses)

	next, err := a.Allocate(ctx, "test-002", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, addrs(t, "192.168.4.17", 16), next.Addresses)
}

func TestList(t *testing.T) {
	fc := fakeclock.NewFakeClock(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC))
	a, _ := newTestAllocator(t, testNetwork, func(c *Config) {
		c.Clock = fc
	})
	ctx := context.Background()

	for _, key := range [][2]string{
		{"lab-a", "ocpv05"},
		{"lab-b", "ocpv04"},
		{"lab-c", "ocpv04"},
	} {
		_, err := a.Allocate(ctx, key[0], key[1])
		require.NoError(t, err)
		fc.Increment(time.Second)
	}

	all, err := a.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "lab-a", all[0].LabUID)
	assert.Equal(t, "lab-b", all[1].LabUID)
	assert.Equal(t, "lab-c", all[2].LabUID)
	assert.Equal(t, fc.Now().Add(-3*time.Second), all[0].AllocatedAt)

	some, err := a.List(ctx, "ocpv04")
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "lab-b", some[0].LabUID)

	none, err := a.List(ctx, "ocpv06")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStats(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(65536), stats.TotalAddresses)
	assert.Equal(t, uint64(2036), stats.ProtectedAddresses)
	assert.Equal(t, uint64(63500), stats.UsableAddresses)
	assert.Zero(t, stats.AllocatedAddresses)
	assert.Equal(t, uint64(3968), stats.EstimatedRemainingLabs)
	assert.Empty(t, stats.Clusters)

	for _, key := range [][2]string{
		{"test-001", "ocpv04"},
		{"test-002", "ocpv04"},
		{"test-001", "ocpv05"},
	} {
		_, err := a.Allocate(ctx, key[0], key[1])
		require.NoError(t, err)
	}

	stats, err = a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, testNetwork, stats.Network)
	assert.Equal(t, 3, stats.ActiveLabs)
	assert.Equal(t, 16, stats.AddressesPerLab)
	assert.Equal(t, uint64(48), stats.AllocatedAddresses)
	assert.Equal(t, uint64(63452), stats.AvailableAddresses)
	assert.Equal(t, uint64(3965), stats.EstimatedRemainingLabs)
	assert.InDelta(t, 0.076, stats.UtilizationPercent, 1e-9)

	require.Len(t, stats.Clusters, 2)
	c := stats.Clusters[0]
	assert.Equal(t, "ocpv04", c.Cluster)
	assert.Equal(t, 2, c.Labs)
	assert.Equal(t, uint64(32), c.AllocatedAddresses)
	assert.Equal(t, "192.168.4.33", c.NextAddress)
	assert.Equal(t, uint64(2), c.UsageByRole[api.RoleWorker1])
	assert.Equal(t, uint64(18), c.UsageByRole[api.RolePublicRange])
	assert.Equal(t, "ocpv05", stats.Clusters[1].Cluster)
	assert.Equal(t, 1, stats.Clusters[1].Labs)
}

func TestAllocatedAtFromClock(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	a, _ := newTestAllocator(t, testNetwork, func(c *Config) {
		c.Clock = fakeclock.NewFakeClock(now)
	})

	alloc, err := a.Allocate(context.Background(), "test-001", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, now, alloc.AllocatedAt)
}

func TestWatchEvents(t *testing.T) {
	a, _ := newTestAllocator(t, testNetwork)
	ctx := context.Background()

	eventq, cancel := a.Watch()
	defer cancel()

	_, err := a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)
	// returning an existing allocation is not a change
	_, err = a.Allocate(ctx, "test-001", "ocpv04")
	require.NoError(t, err)
	require.NoError(t, a.Deallocate(ctx, "test-001", "ocpv04"))

	expectEvent := func() interface{} {
		select {
		case ev := <-eventq:
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("no event received")
		}
		return nil
	}

	ev := expectEvent()
	allocated, ok := ev.(EventAllocate)
	require.True(t, ok, "unexpected event %#v", ev)
	assert.Equal(t, "test-001", allocated.Allocation.LabUID)

	ev = expectEvent()
	released, ok := ev.(EventDeallocate)
	require.True(t, ok, "unexpected event %#v", ev)
	assert.Equal(t, "ocpv04", released.Allocation.Cluster)
}

// holdWriteLock blocks the store's writer until the returned func is called.
func holdWriteLock(t *testing.T, s store.Store) (release func()) {
	entered := make(chan struct{})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Update(func(tx store.Tx) error {
			close(entered)
			<-done
			return nil
		}))
	}()
	<-entered
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func TestBusyGivesUp(t *testing.T) {
	s := store.NewMemoryStore(store.Options{LockTimeout: 5 * time.Millisecond})
	a := newTestAllocatorWithStore(t, s, testNetwork, func(c *Config) {
		c.MaxAttempts = 3
		c.InitialBackoff = time.Millisecond
	})
	ctx := context.Background()

	release := holdWriteLock(t, s)
	defer release()

	_, err := a.Allocate(ctx, "test-001", "ocpv04")
	assert.True(t, errors.IsErrBusy(err), "unexpected error: %v", err)
	err = a.Deallocate(ctx, "test-001", "ocpv04")
	assert.True(t, errors.IsErrBusy(err), "unexpected error: %v", err)

	// readers are not affected
	_, err = a.Get(ctx, "test-001", "ocpv04")
	assert.True(t, errors.IsErrNotFound(err), "unexpected error: %v", err)

	release()
	_, err = a.Allocate(ctx, "test-001", "ocpv04")
	assert.NoError(t, err)
}

func TestBusyCancelledContext(t *testing.T) {
	s := store.NewMemoryStore(store.Options{LockTimeout: 5 * time.Millisecond})
	a := newTestAllocatorWithStore(t, s, testNetwork, func(c *Config) {
		c.MaxAttempts = 100
		c.InitialBackoff = time.Hour
		c.MaxBackoff = time.Hour
	})

	release := holdWriteLock(t, s)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Allocate(ctx, "test-001", "ocpv04")
	assert.True(t, errors.IsErrBusy(err), "unexpected error: %v", err)
}

func TestBusyRetrySucceeds(t *testing.T) {
	s := store.NewMemoryStore(store.Options{LockTimeout: 5 * time.Millisecond})
	a := newTestAllocatorWithStore(t, s, testNetwork, func(c *Config) {
		c.MaxAttempts = 20
		c.InitialBackoff = 5 * time.Millisecond
		c.MaxBackoff = 20 * time.Millisecond
	})

	release := holdWriteLock(t, s)
	go func() {
		time.Sleep(30 * time.Millisecond)
		release()
	}()

	alloc, err := a.Allocate(context.Background(), "test-001", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, addrs(t, "192.168.4.1", 16), alloc.Addresses)
}

func TestConcurrentAllocate(t *testing.T) {
	for name, open := range map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore(store.DefaultOptions())
		},
		"bolt": func(t *testing.T) store.Store {
			opts := store.DefaultOptions()
			opts.NoSync = true
			s, err := store.OpenBolt(filepath.Join(t.TempDir(), "ipam.db"), opts)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	} {
		open := open
		t.Run(name, func(t *testing.T) {
			a := newTestAllocatorWithStore(t, open(t), testNetwork, func(c *Config) {
				c.MaxAttempts = 50
			})
			ctx := context.Background()

			const labs = 32
			var (
				mu      sync.Mutex
				results = make(map[string][]netip.Addr)
				wg      sync.WaitGroup
			)
			// every lab is requested twice at the same time
			for i := 0; i < labs; i++ {
				for j := 0; j < 2; j++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						lab, cluster := fmt.Sprintf("lab-%02d", i), fmt.Sprintf("cluster-%d", i%2)
						alloc, err := a.Allocate(ctx, lab, cluster)
						if !assert.NoError(t, err) {
							return
						}
						mu.Lock()
						defer mu.Unlock()
						key := cluster + "/" + lab
						if prev, ok := results[key]; ok {
							assert.Equal(t, prev, alloc.Addresses, "%s allocated twice", key)
						}
						results[key] = alloc.Addresses
					}(i)
				}
			}
			wg.Wait()

			all, err := a.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, labs)

			perCluster := make(map[string]map[netip.Addr]string)
			for _, alloc := range all {
				seen, ok := perCluster[alloc.Cluster]
				if !ok {
					seen = make(map[netip.Addr]string)
					perCluster[alloc.Cluster] = seen
				}
				for _, addr := range alloc.Addresses {
					owner, dup := seen[addr]
					assert.False(t, dup, "%s and %s share %s", owner, alloc.LabUID, addr)
					seen[addr] = alloc.LabUID
				}
			}
		})
	}
}
