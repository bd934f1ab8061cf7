package allocator

import "github.com/labipam/labipam/api"

// EventAllocate is published after an allocation has been committed.
type EventAllocate struct {
	Allocation *api.Allocation
}

// EventDeallocate is published after an allocation has been released.
type EventDeallocate struct {
	Allocation *api.Allocation
}
