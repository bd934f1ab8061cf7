package allocator

import (
	"context"
	"math"
	"sort"

	"github.com/labipam/labipam/api"
	"github.com/labipam/labipam/manager/state/store"
)

// Stats summarizes capacity and utilization from a single snapshot of the
// store.
func (a *Allocator) Stats(ctx context.Context) (*api.Stats, error) {
	var (
		allocations []*api.Allocation
		cursors     = make(map[string]uint32)
	)
	if err := a.store.View(func(tx store.ReadTx) error {
		var err error
		if allocations, err = tx.FindAllocations(store.All); err != nil {
			return err
		}
		clusters, err := tx.Clusters()
		if err != nil {
			return err
		}
		for _, c := range clusters {
			if cursors[c], err = tx.GetCursor(c); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, translate("stats", err)
	}

	labs := make(map[string]int)
	for _, alloc := range allocations {
		labs[alloc.Cluster]++
		if _, ok := cursors[alloc.Cluster]; !ok {
			cursors[alloc.Cluster] = 0
		}
	}

	usable := a.filter.UsableCount()
	allocated := uint64(len(allocations)) * api.AddressesPerLab
	var available uint64
	if usable > allocated {
		available = usable - allocated
	}
	var utilization float64
	if usable > 0 {
		utilization = math.Round(float64(allocated)/float64(usable)*100*1000) / 1000
	}

	stats := &api.Stats{
		Network:                a.filter.Network().String(),
		TotalAddresses:         a.filter.Size(),
		ProtectedAddresses:     a.filter.ProtectedCount(),
		UsableAddresses:        usable,
		AllocatedAddresses:     allocated,
		AvailableAddresses:     available,
		UtilizationPercent:     utilization,
		AddressesPerLab:        api.AddressesPerLab,
		EstimatedRemainingLabs: available / api.AddressesPerLab,
		ActiveLabs:             len(allocations),
		Clusters:               make([]api.ClusterStats, 0, len(cursors)),
	}

	for _, cluster := range sortedKeys(cursors) {
		n := labs[cluster]
		cs := api.ClusterStats{
			Cluster:            cluster,
			Labs:               n,
			AllocatedAddresses: uint64(n) * api.AddressesPerLab,
			UsageByRole:        make(map[api.AddressRole]uint64),
		}
		if next := cursors[cluster]; uint64(next) < a.filter.Size() {
			cs.NextAddress = a.filter.Addr(next).String()
		}
		for role, count := range api.RoleCounts() {
			cs.UsageByRole[role] = uint64(count * n)
		}
		stats.Clusters = append(stats.Clusters, cs)
	}
	return stats, nil
}

func sortedKeys(m map[string]uint32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
