package allocator

import (
	"sort"

	"github.com/labipam/labipam/api"
)

// findBlock returns the lowest offset at or after from where
// api.AddressesPerLab consecutive addresses are neither protected nor part
// of an active allocation.
func (a *Allocator) findBlock(from uint64, active []*api.Allocation) (uint32, bool) {
	used := make([]api.AddressRange, 0, len(active))
	for _, alloc := range active {
		used = append(used, alloc.Range())
	}
	sort.Slice(used, func(i, j int) bool {
		return used[i].Start < used[j].Start
	})

	size := a.filter.Size()
	for s := from; s+api.AddressesPerLab <= size; {
		end := s + api.AddressesPerLab

		if p, ok := a.filter.FirstProtected(s, end); ok {
			s = p + 1
			continue
		}
		if r, ok := overlapping(used, s, end); ok {
			s = uint64(r.End)
			continue
		}
		return uint32(s), true
	}
	return 0, false
}

// overlapping returns a range of used intersecting [start, end). used must
// be sorted and hold disjoint ranges.
func overlapping(used []api.AddressRange, start, end uint64) (api.AddressRange, bool) {
	i := sort.Search(len(used), func(i int) bool {
		return uint64(used[i].End) > start
	})
	if i < len(used) && uint64(used[i].Start) < end {
		return used[i], true
	}
	return api.AddressRange{}, false
}
