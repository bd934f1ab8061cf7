package protected

import (
	"fmt"
	"net/netip"
)

// RangeKind tells why a range is protected.
type RangeKind string

// Kinds of protected ranges.
const (
	KindReservedBlock RangeKind = "reserved-block"
	KindGateway       RangeKind = "gateway"
	KindBlockEdge     RangeKind = "block-edge"
)

// Range is an inclusive range of protected addresses.
type Range struct {
	First netip.Addr
	Last  netip.Addr
	Kind  RangeKind
}

func (r Range) String() string {
	if r.First == r.Last {
		return fmt.Sprintf("%v (%v)", r.First, r.Kind)
	}
	return fmt.Sprintf("%v-%v (%v)", r.First, r.Last, r.Kind)
}

// Ranges lists the reserved blocks and gateway addresses, lowest first.
// Block edges are listed only when withEdges is set, since there are two
// per block.
func (f *Filter) Ranges(withEdges bool) []Range {
	var ranges []Range

	block := func(first, count uint32) Range {
		return Range{
			First: f.Addr(first * f.blockSize),
			Last:  f.Addr((first+count)*f.blockSize - 1),
			Kind:  KindReservedBlock,
		}
	}

	ranges = append(ranges, block(0, leadingBlocks))
	for b := uint32(0); b < gatewayBlocks; b++ {
		start := b * f.blockSize
		for _, o := range []uint32{start + 1, start + f.blockSize - 2} {
			ranges = append(ranges, Range{First: f.Addr(o), Last: f.Addr(o), Kind: KindGateway})
		}
	}
	if withEdges {
		for b := uint32(leadingBlocks); b < f.blocks-trailingBlocks; b++ {
			start := b * f.blockSize
			for _, o := range []uint32{start, start + f.blockSize - 1} {
				ranges = append(ranges, Range{First: f.Addr(o), Last: f.Addr(o), Kind: KindBlockEdge})
			}
		}
	}
	ranges = append(ranges, block(f.blocks-trailingBlocks, trailingBlocks))

	return ranges
}
