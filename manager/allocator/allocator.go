package allocator

import (
	"context"
	"net/netip"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/docker/go-events"
	"github.com/labipam/labipam/api"
	"github.com/labipam/labipam/log"
	"github.com/labipam/labipam/manager/allocator/errors"
	"github.com/labipam/labipam/manager/allocator/protected"
	"github.com/labipam/labipam/manager/state/store"
	"github.com/labipam/labipam/watch"
	"github.com/sirupsen/logrus"
)

// ReusePolicy decides whether released blocks are offered again.
type ReusePolicy string

const (
	// ReuseBump never offers a released block again. Every scan starts at
	// the cluster cursor, which only moves forward.
	ReuseBump ReusePolicy = "bump"
	// ReuseReclaim starts every scan at the beginning of the network, so
	// the lowest free block is used first, including released ones.
	ReuseReclaim ReusePolicy = "reclaim"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 10 * time.Millisecond
	defaultMaxBackoff     = 1 * time.Second
)

// Config is the configuration of the allocation engine.
type Config struct {
	// Network is the range addresses are carved from.
	Network netip.Prefix

	// ReusePolicy defaults to ReuseBump.
	ReusePolicy ReusePolicy

	// MaxAttempts bounds how many times a mutation is tried while the
	// store reports it is busy.
	MaxAttempts int
	// InitialBackoff is the wait after the first busy attempt. It doubles
	// on every further attempt, up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Clock provides allocation timestamps and backoff waits. Defaults to
	// the wall clock.
	Clock clock.Clock
}

// Allocator is the allocation engine. All of its methods are safe for
// concurrent use; the store serializes mutations.
type Allocator struct {
	store  store.Store
	filter *protected.Filter
	config Config
	queue  *watch.Queue
}

// New returns an allocation engine on top of s. It records the network in
// the store on first use and refuses to switch a store that holds
// allocations to a different network.
func New(ctx context.Context, s store.Store, config Config) (*Allocator, error) {
	filter, err := protected.New(config.Network)
	if err != nil {
		return nil, err
	}

	switch config.ReusePolicy {
	case "":
		config.ReusePolicy = ReuseBump
	case ReuseBump, ReuseReclaim:
	default:
		return nil, errors.ErrInvalidInput("unknown reuse policy %q", config.ReusePolicy)
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaultInitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaultMaxBackoff
	}
	if config.Clock == nil {
		config.Clock = clock.NewClock()
	}

	a := &Allocator{
		store:  s,
		filter: filter,
		config: config,
		queue:  watch.NewQueue(0),
	}

	ctx = log.WithModule(ctx, "allocator")
	if err := a.withRetry(ctx, "initialize", func() error {
		return s.Update(a.pinNetwork)
	}); err != nil {
		return nil, translate("initialize", err)
	}

	log.G(ctx).WithFields(logrus.Fields{
		"network":      filter.Network(),
		"usable":       filter.UsableCount(),
		"reuse.policy": config.ReusePolicy,
	}).Debug("allocator initialized")

	return a, nil
}

func (a *Allocator) pinNetwork(tx store.Tx) error {
	network := a.filter.Network().String()
	recorded, err := tx.GetNetwork()
	if err != nil {
		return err
	}
	if recorded == network {
		return nil
	}

	if recorded != "" {
		existing, err := tx.FindAllocations(store.All)
		if err != nil {
			return err
		}
		if len(existing) != 0 {
			return errors.ErrInvalidInput(
				"store holds %d allocations from network %v and cannot be switched to %v",
				len(existing), recorded, network,
			)
		}
		// cursors of the old network point at meaningless offsets
		clusters, err := tx.Clusters()
		if err != nil {
			return err
		}
		for _, c := range clusters {
			if err := tx.SetCursor(c, 0); err != nil {
				return err
			}
		}
	}
	return tx.SetNetwork(network)
}

// Filter returns the protected range filter for the configured network.
func (a *Allocator) Filter() *protected.Filter {
	return a.filter
}

// Allocate returns the allocation of the lab in the cluster, creating it if
// it does not exist yet. An empty cluster means api.DefaultCluster.
func (a *Allocator) Allocate(ctx context.Context, labUID, cluster string) (*api.Allocation, error) {
	defer startTimer(allocateTimer)()

	cluster, err := normalizeKey(labUID, cluster)
	if err != nil {
		countOutcome("allocate", err)
		return nil, err
	}
	ctx = a.logContext(ctx, labUID, cluster)

	var (
		result  *api.Allocation
		created bool
	)
	err = a.withRetry(ctx, "allocate", func() error {
		created = false
		return a.store.Update(func(tx store.Tx) error {
			// Checked again here, under the write lock, so two requests
			// for the same lab can never both create a record.
			existing, err := tx.GetAllocation(cluster, labUID)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				return nil
			}

			cursor, err := tx.GetCursor(cluster)
			if err != nil {
				return err
			}
			active, err := tx.FindAllocations(store.ByCluster(cluster))
			if err != nil {
				return err
			}

			from := cursor
			if a.config.ReusePolicy == ReuseReclaim {
				from = 0
			}
			offset, ok := a.findBlock(uint64(from), active)
			if !ok {
				return errors.ErrCapacityExhausted(cluster,
					"no run of %d unprotected free addresses left in %v",
					api.AddressesPerLab, a.filter.Network())
			}

			alloc := a.newAllocation(labUID, cluster, offset)
			if err := tx.CreateAllocation(alloc); err != nil {
				return err
			}
			if next := offset + api.AddressesPerLab; next > cursor {
				if err := tx.SetCursor(cluster, next); err != nil {
					return err
				}
			}
			result = alloc
			created = true
			return nil
		})
	})
	err = translate("allocate", err)
	countOutcome("allocate", err)
	if err != nil {
		if errors.IsErrCapacityExhausted(err) {
			log.G(ctx).WithError(err).Warn("allocation failed")
		}
		return nil, err
	}

	if created {
		log.G(ctx).WithFields(logrus.Fields{
			"first": result.Addresses[0],
			"last":  result.Addresses[len(result.Addresses)-1],
		}).Info("allocated addresses")
		a.queue.Publish(EventAllocate{Allocation: result.Copy()})
	} else {
		log.G(ctx).Debug("returning existing allocation")
	}
	return result, nil
}

func (a *Allocator) newAllocation(labUID, cluster string, offset uint32) *api.Allocation {
	addrs := make([]netip.Addr, 0, api.AddressesPerLab)
	for i := uint32(0); i < api.AddressesPerLab; i++ {
		addrs = append(addrs, a.filter.Addr(offset+i))
	}
	return &api.Allocation{
		LabUID:      labUID,
		Cluster:     cluster,
		Network:     a.filter.Network().String(),
		Offset:      offset,
		Addresses:   addrs,
		AllocatedAt: a.config.Clock.Now().UTC(),
		Status:      api.AllocationStatusActive,
	}
}

// Deallocate releases the allocation of the lab in the cluster. The
// addresses are only offered again under ReuseReclaim.
func (a *Allocator) Deallocate(ctx context.Context, labUID, cluster string) error {
	defer startTimer(deallocateTimer)()

	cluster, err := normalizeKey(labUID, cluster)
	if err != nil {
		countOutcome("deallocate", err)
		return err
	}
	ctx = a.logContext(ctx, labUID, cluster)

	var removed *api.Allocation
	err = a.withRetry(ctx, "deallocate", func() error {
		return a.store.Update(func(tx store.Tx) error {
			existing, err := tx.GetAllocation(cluster, labUID)
			if err != nil {
				return err
			}
			if existing == nil {
				return errors.ErrNotFound(labUID, cluster)
			}
			if err := tx.DeleteAllocation(cluster, labUID); err != nil {
				return err
			}
			removed = existing
			return nil
		})
	})
	err = translate("deallocate", err)
	countOutcome("deallocate", err)
	if err != nil {
		return err
	}

	log.G(ctx).Info("released addresses")
	a.queue.Publish(EventDeallocate{Allocation: removed})
	return nil
}

// Get returns the allocation of the lab in the cluster.
func (a *Allocator) Get(ctx context.Context, labUID, cluster string) (*api.Allocation, error) {
	cluster, err := normalizeKey(labUID, cluster)
	if err != nil {
		return nil, err
	}

	var alloc *api.Allocation
	if err := a.store.View(func(tx store.ReadTx) error {
		alloc, err = tx.GetAllocation(cluster, labUID)
		return err
	}); err != nil {
		return nil, translate("get", err)
	}
	if alloc == nil {
		return nil, errors.ErrNotFound(labUID, cluster)
	}
	return alloc, nil
}

// List returns the active allocations of one cluster, or of every cluster
// if cluster is empty, oldest first.
func (a *Allocator) List(ctx context.Context, cluster string) ([]*api.Allocation, error) {
	var by store.By = store.All
	if cluster != "" {
		if err := validateKey("cluster", cluster); err != nil {
			return nil, err
		}
		by = store.ByCluster(cluster)
	}

	var allocations []*api.Allocation
	if err := a.store.View(func(tx store.ReadTx) error {
		var err error
		allocations, err = tx.FindAllocations(by)
		return err
	}); err != nil {
		return nil, translate("list", err)
	}
	return allocations, nil
}

// Watch returns a channel receiving an EventAllocate or EventDeallocate for
// every committed change from now on. cancel stops the flow of events.
func (a *Allocator) Watch() (eventq chan events.Event, cancel func()) {
	return a.queue.Watch()
}

// Close stops the delivery of events. It does not close the store.
func (a *Allocator) Close() error {
	return a.queue.Close()
}

func (a *Allocator) logContext(ctx context.Context, labUID, cluster string) context.Context {
	ctx = log.WithModule(ctx, "allocator")
	return log.WithLogger(ctx, log.G(ctx).WithFields(logrus.Fields{
		"lab.uid": labUID,
		"cluster": cluster,
	}))
}
