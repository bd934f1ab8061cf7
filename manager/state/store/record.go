package store

import (
	"net/netip"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/labipam/labipam/api"
	"github.com/pkg/errors"
)

// allocationRecord is the on-disk form of an allocation. Field numbers are
// part of the file format and must not be reused.
type allocationRecord struct {
	LabUID      string   `cbor:"1,keyasint"`
	Cluster     string   `cbor:"2,keyasint"`
	Network     string   `cbor:"3,keyasint"`
	Offset      uint32   `cbor:"4,keyasint"`
	Addresses   []string `cbor:"5,keyasint"`
	AllocatedAt int64    `cbor:"6,keyasint"` // unix nanoseconds
	Status      string   `cbor:"7,keyasint"`
	Sequence    uint64   `cbor:"8,keyasint"`
}

func encodeAllocation(a *api.Allocation) ([]byte, error) {
	r := allocationRecord{
		LabUID:      a.LabUID,
		Cluster:     a.Cluster,
		Network:     a.Network,
		Offset:      a.Offset,
		Addresses:   make([]string, 0, len(a.Addresses)),
		AllocatedAt: a.AllocatedAt.UnixNano(),
		Status:      string(a.Status),
		Sequence:    a.Sequence,
	}
	for _, addr := range a.Addresses {
		r.Addresses = append(r.Addresses, addr.String())
	}

	p, err := cbor.Marshal(r)
	if err != nil {
		return nil, errors.Wrapf(err, "encode allocation %s/%s", a.Cluster, a.LabUID)
	}
	return p, nil
}

func decodeAllocation(p []byte) (*api.Allocation, error) {
	var r allocationRecord
	if err := cbor.Unmarshal(p, &r); err != nil {
		return nil, errors.Wrap(err, "decode allocation")
	}

	a := &api.Allocation{
		LabUID:      r.LabUID,
		Cluster:     r.Cluster,
		Network:     r.Network,
		Offset:      r.Offset,
		Addresses:   make([]netip.Addr, 0, len(r.Addresses)),
		AllocatedAt: time.Unix(0, r.AllocatedAt).UTC(),
		Status:      api.AllocationStatus(r.Status),
		Sequence:    r.Sequence,
	}
	for _, s := range r.Addresses {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, errors.Wrapf(err, "decode allocation %s/%s", r.Cluster, r.LabUID)
		}
		a.Addresses = append(a.Addresses, addr)
	}
	return a, nil
}
