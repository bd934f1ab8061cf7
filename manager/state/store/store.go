// Package store persists allocations, the per cluster bump cursor and the
// network the allocations were carved from. It is the single source of
// truth for the allocation engine: nothing read from it is cached across
// transactions.
package store

import (
	"sort"
	"time"

	"github.com/labipam/labipam/api"
	"github.com/pkg/errors"
)

var (
	// ErrExist is returned by CreateAllocation if the cluster already holds
	// an allocation for the lab.
	ErrExist = errors.New("allocation already exists")

	// ErrNotExist is returned by DeleteAllocation if the allocation is not
	// found.
	ErrNotExist = errors.New("allocation does not exist")

	// ErrBusy is returned by Update if the write lock could not be acquired
	// in time, and by OpenBolt if another process holds the file.
	ErrBusy = errors.New("store is busy")

	// ErrInvalidFindBy is returned if an unrecognized type is passed to
	// FindAllocations.
	ErrInvalidFindBy = errors.New("invalid find argument type")
)

// IsErrBusy reports whether err, possibly wrapped, is ErrBusy.
func IsErrBusy(err error) bool {
	return errors.Cause(err) == ErrBusy
}

// ReadTx is a consistent, read-only view of the store.
type ReadTx interface {
	// GetAllocation returns the allocation of the lab in the cluster, or
	// nil if there is none.
	GetAllocation(cluster, labUID string) (*api.Allocation, error)
	// FindAllocations selects a set of allocations, ordered by
	// allocation time and then by sequence.
	FindAllocations(by By) ([]*api.Allocation, error)
	// GetCursor returns the offset the next bump allocation in the
	// cluster starts scanning from. It is zero for a cluster that never
	// allocated.
	GetCursor(cluster string) (uint32, error)
	// Clusters returns the clusters that have ever allocated, sorted.
	Clusters() ([]string, error)
	// GetNetwork returns the network CIDR recorded in the store, or the
	// empty string.
	GetNetwork() (string, error)
}

// Tx is a read/write transaction. Changes become visible to other callers
// only when the callback passed to Update returns nil.
type Tx interface {
	ReadTx
	// CreateAllocation stores a new allocation and sets its Sequence.
	CreateAllocation(a *api.Allocation) error
	// DeleteAllocation removes the allocation of the lab in the cluster.
	DeleteAllocation(cluster, labUID string) error
	// SetCursor moves the bump cursor of the cluster.
	SetCursor(cluster string, offset uint32) error
	// SetNetwork records the network CIDR.
	SetNetwork(network string) error
}

// Store is implemented by the store drivers.
type Store interface {
	// View runs cb in a read transaction. It never waits on writers.
	View(cb func(ReadTx) error) error
	// Update runs cb in a write transaction. Only one write transaction
	// runs at a time. If the callback returns an error, nothing it did is
	// kept. If the write lock cannot be acquired within the lock timeout,
	// Update returns ErrBusy without calling cb.
	Update(cb func(Tx) error) error
	// Close releases the resources held by the store.
	Close() error
}

// Options tunes a store driver.
type Options struct {
	// LockTimeout bounds how long Update waits for the write lock. Zero
	// means Update fails immediately when another write is in progress.
	LockTimeout time.Duration

	// OpenTimeout bounds how long OpenBolt waits for the file lock held by
	// another process.
	OpenTimeout time.Duration

	// NoSync skips fsync after each commit. Only meant for tests.
	NoSync bool
}

// DefaultOptions returns the options used by labipamd.
func DefaultOptions() Options {
	return Options{
		LockTimeout: 500 * time.Millisecond,
		OpenTimeout: 1 * time.Second,
	}
}

// writeLock is a mutex that gives up after a timeout.
type writeLock struct {
	ch      chan struct{}
	timeout time.Duration
}

func newWriteLock(timeout time.Duration) *writeLock {
	return &writeLock{
		ch:      make(chan struct{}, 1),
		timeout: timeout,
	}
}

func (l *writeLock) lock() error {
	select {
	case l.ch <- struct{}{}:
		return nil
	default:
	}
	if l.timeout <= 0 {
		return ErrBusy
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBusy
	}
}

func (l *writeLock) unlock() {
	<-l.ch
}

func sortAllocations(allocations []*api.Allocation) {
	sort.Slice(allocations, func(i, j int) bool {
		a, b := allocations[i], allocations[j]
		if !a.AllocatedAt.Equal(b.AllocatedAt) {
			return a.AllocatedAt.Before(b.AllocatedAt)
		}
		return a.Sequence < b.Sequence
	})
}
