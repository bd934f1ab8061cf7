// Package collector keeps per-cluster utilization gauges current by
// following the allocation engine's change events.
package collector

import (
	"context"
	"sort"
	"sync"

	"github.com/docker/go-events"
	metrics "github.com/docker/go-metrics"
	"github.com/labipam/labipam/api"
	"github.com/labipam/labipam/log"
	"github.com/labipam/labipam/manager/allocator"
)

var (
	ns = metrics.NewNamespace("labipam", "cluster", nil)

	labsGauge      = ns.NewLabeledGauge("labs", "The number of active labs", "", "cluster")
	addressesGauge = ns.NewLabeledGauge("allocated_addresses", "The number of addresses held by active labs", "", "cluster")
)

func init() {
	metrics.Register(ns)
}

// Source is where the collector reads allocations from. *allocator.Allocator
// implements it.
type Source interface {
	Watch() (chan events.Event, func())
	List(ctx context.Context, cluster string) ([]*api.Allocation, error)
}

// Collector maintains the cluster gauges.
type Collector struct {
	source Source

	mu   sync.Mutex
	labs map[string]map[string]struct{}

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCollector returns a collector reading from source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		labs:     make(map[string]map[string]struct{}),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Run loads the current allocations and then follows changes until Stop is
// called or ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	defer close(c.doneChan)
	ctx = log.WithModule(ctx, "collector")

	// subscribe first so nothing committed after the listing is missed
	eventq, cancel := c.source.Watch()
	defer cancel()

	allocations, err := c.source.List(ctx, "")
	if err != nil {
		log.G(ctx).WithError(err).Error("failed to load allocations")
		return err
	}
	for _, a := range allocations {
		c.add(a)
	}
	log.G(ctx).WithField("labs", len(allocations)).Debug("collector started")

	for {
		select {
		case ev, ok := <-eventq:
			if !ok {
				return nil
			}
			c.handleEvent(ev)
		case <-c.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop stops the collector and waits for Run to return.
func (c *Collector) Stop() {
	close(c.stopChan)
	<-c.doneChan
}

func (c *Collector) handleEvent(ev events.Event) {
	switch v := ev.(type) {
	case allocator.EventAllocate:
		c.add(v.Allocation)
	case allocator.EventDeallocate:
		c.remove(v.Allocation)
	}
}

// add and remove are idempotent, so an allocation both listed at start and
// seen as an event is counted once.
func (c *Collector) add(a *api.Allocation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	labs, ok := c.labs[a.Cluster]
	if !ok {
		labs = make(map[string]struct{})
		c.labs[a.Cluster] = labs
	}
	labs[a.LabUID] = struct{}{}
	c.update(a.Cluster)
}

func (c *Collector) remove(a *api.Allocation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.labs[a.Cluster], a.LabUID)
	c.update(a.Cluster)
}

func (c *Collector) update(cluster string) {
	n := len(c.labs[cluster])
	labsGauge.WithValues(cluster).Set(float64(n))
	addressesGauge.WithValues(cluster).Set(float64(n * api.AddressesPerLab))
}

// Labs returns the number of active labs per cluster as last seen.
func (c *Collector) Labs() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.labs))
	for cluster, labs := range c.labs {
		out[cluster] = len(labs)
	}
	return out
}

// Clusters returns the clusters the collector has seen, sorted.
func (c *Collector) Clusters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	clusters := make([]string, 0, len(c.labs))
	for cluster := range c.labs {
		clusters = append(clusters, cluster)
	}
	sort.Strings(clusters)
	return clusters
}
