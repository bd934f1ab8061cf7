// Package api defines the objects handed out and stored by labipam.
package api

import (
	"net/netip"
	"time"
)

const (
	// DefaultCluster is the cluster scope used when a caller does not name
	// one.
	DefaultCluster = "default"

	// AddressesPerLab is the number of addresses every lab allocation
	// receives: 3 workers, 1 bastion and a 12 address public range.
	AddressesPerLab = 16

	// WorkerCount is the number of worker addresses at the head of every
	// allocation.
	WorkerCount = 3

	bastionIndex     = 3
	publicStartIndex = 4
	conversionIndex  = 10
	publicEndIndex   = AddressesPerLab - 1
)

// AllocationStatus is the state of an allocation. Released allocations are
// removed from the store, so the only persisted status is active.
type AllocationStatus string

const (
	// AllocationStatusActive marks an allocation that currently owns its
	// addresses.
	AllocationStatusActive AllocationStatus = "active"
)

// AddressRole names the purpose of one address inside an allocation.
type AddressRole string

// Address roles, in the order they appear in an allocation.
const (
	RoleWorker1     AddressRole = "worker1"
	RoleWorker2     AddressRole = "worker2"
	RoleWorker3     AddressRole = "worker3"
	RoleBastion     AddressRole = "bastion"
	RolePublicStart AddressRole = "public_start"
	RolePublicRange AddressRole = "public_range"
	RoleConversion  AddressRole = "conversion"
	RolePublicEnd   AddressRole = "public_end"
)

// RoleAt returns the role of the address at index i of an allocation.
func RoleAt(i int) AddressRole {
	switch {
	case i < WorkerCount:
		return []AddressRole{RoleWorker1, RoleWorker2, RoleWorker3}[i]
	case i == bastionIndex:
		return RoleBastion
	case i == publicStartIndex:
		return RolePublicStart
	case i == conversionIndex:
		return RoleConversion
	case i == publicEndIndex:
		return RolePublicEnd
	default:
		return RolePublicRange
	}
}

// RoleCounts returns how many addresses of each role a single allocation
// holds.
func RoleCounts() map[AddressRole]int {
	counts := make(map[AddressRole]int)
	for i := 0; i < AddressesPerLab; i++ {
		counts[RoleAt(i)]++
	}
	return counts
}

// Allocation is the block of addresses owned by one lab in one cluster.
type Allocation struct {
	LabUID  string `json:"lab_uid"`
	Cluster string `json:"cluster"`

	// Network is the CIDR the addresses were carved from.
	Network string `json:"network"`

	// Offset is the position of the first address relative to the network
	// address. The block covers [Offset, Offset+AddressesPerLab).
	Offset uint32 `json:"offset"`

	Addresses []netip.Addr `json:"addresses"`

	AllocatedAt time.Time        `json:"allocated_at"`
	Status      AllocationStatus `json:"status"`

	// Sequence is assigned by the store on creation and orders allocations
	// created within the same instant.
	Sequence uint64 `json:"sequence"`
}

// AddressRange is a half open range of network offsets.
type AddressRange struct {
	Start uint32
	End   uint32
}

// Range returns the offsets covered by the allocation.
func (a *Allocation) Range() AddressRange {
	return AddressRange{Start: a.Offset, End: a.Offset + AddressesPerLab}
}

// Workers returns the worker addresses.
func (a *Allocation) Workers() []netip.Addr {
	return a.Addresses[:WorkerCount]
}

// Bastion returns the bastion host address.
func (a *Allocation) Bastion() netip.Addr {
	return a.Addresses[bastionIndex]
}

// PublicStart returns the first address of the public range.
func (a *Allocation) PublicStart() netip.Addr {
	return a.Addresses[publicStartIndex]
}

// PublicEnd returns the last address of the public range.
func (a *Allocation) PublicEnd() netip.Addr {
	return a.Addresses[publicEndIndex]
}

// ConversionHost returns the address inside the public range reserved for
// the conversion host.
func (a *Allocation) ConversionHost() netip.Addr {
	return a.Addresses[conversionIndex]
}

// Env renders the allocation as the environment variables consumed by lab
// provisioning.
func (a *Allocation) Env() map[string]string {
	workers := a.Workers()
	return map[string]string{
		"EXTERNAL_IP_WORKER_1": workers[0].String(),
		"EXTERNAL_IP_WORKER_2": workers[1].String(),
		"EXTERNAL_IP_WORKER_3": workers[2].String(),
		"EXTERNAL_IP_BASTION":  a.Bastion().String(),
		"PUBLIC_NET_START":     a.PublicStart().String(),
		"PUBLIC_NET_END":       a.PublicEnd().String(),
		"CONVERSION_HOST_IP":   a.ConversionHost().String(),
	}
}

// Copy returns a deep copy of the allocation.
func (a *Allocation) Copy() *Allocation {
	if a == nil {
		return nil
	}
	c := *a
	c.Addresses = append([]netip.Addr(nil), a.Addresses...)
	return &c
}
