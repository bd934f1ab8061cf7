// Package protected decides which addresses of the configured network may
// never be handed to a lab.
//
// The network is cut into equal blocks. The first four and the last two
// blocks hold infrastructure and management addresses and are reserved
// entirely. The first and last host of the first two blocks are well known
// gateway addresses; they are listed on their own even though the block
// reservation already covers them, and the filter treats the two lists as a
// union. Finally, the first and last address of every other block are
// reserved, so no lab is handed an address that other tooling reads as a
// network or broadcast address.
package protected

import (
	"encoding/binary"
	"net/netip"

	"github.com/labipam/labipam/manager/allocator/errors"
)

const (
	// leadingBlocks is the number of reserved blocks at the start of the
	// network.
	leadingBlocks = 4
	// trailingBlocks is the number of reserved blocks at the end of the
	// network.
	trailingBlocks = 2
	// gatewayBlocks is the number of leading blocks whose first and last
	// hosts are reserved as gateways.
	gatewayBlocks = 2

	// MinPrefixLen is the largest network the filter accepts.
	MinPrefixLen = 8
	// MaxPrefixLen is the smallest network that still has one usable block
	// once the reserved blocks are carved out.
	MaxPrefixLen = 21
)

// Filter is an immutable predicate over a network. It is safe for
// concurrent use.
type Filter struct {
	network   netip.Prefix
	base      uint32
	size      uint64
	blockSize uint32
	blocks    uint32
	gateways  map[uint32]struct{}
}

// New computes the filter for network. The network must be an IPv4 CIDR
// without host bits set, with a prefix length between MinPrefixLen and
// MaxPrefixLen.
func New(network netip.Prefix) (*Filter, error) {
	if !network.IsValid() || !network.Addr().Is4() {
		return nil, errors.ErrInvalidInput("network %v is not an IPv4 CIDR", network)
	}
	if network.Masked() != network {
		return nil, errors.ErrInvalidInput("network %v has host bits set", network)
	}
	bits := network.Bits()
	if bits < MinPrefixLen || bits > MaxPrefixLen {
		return nil, errors.ErrInvalidInput("network %v must have a prefix length between /%d and /%d", network, MinPrefixLen, MaxPrefixLen)
	}

	// Up to a /16 the network is cut into 256 blocks, so a /16 gets /24
	// blocks and larger networks keep the same reserved fraction. Smaller
	// networks keep /24 blocks.
	blockBits := 24
	if bits < 16 {
		blockBits = bits + 8
	}

	a4 := network.Addr().As4()
	f := &Filter{
		network:   network,
		base:      binary.BigEndian.Uint32(a4[:]),
		size:      uint64(1) << (32 - bits),
		blockSize: uint32(1) << (32 - blockBits),
		gateways:  make(map[uint32]struct{}),
	}
	f.blocks = uint32(f.size / uint64(f.blockSize))

	for b := uint32(0); b < gatewayBlocks; b++ {
		start := b * f.blockSize
		f.gateways[start+1] = struct{}{}
		f.gateways[start+f.blockSize-2] = struct{}{}
	}

	return f, nil
}

// MustNew is like New but panics on error. It is intended for tests and
// package level defaults.
func MustNew(network string) *Filter {
	f, err := New(netip.MustParsePrefix(network))
	if err != nil {
		panic(err)
	}
	return f
}

// Network returns the network the filter was computed for.
func (f *Filter) Network() netip.Prefix {
	return f.network
}

// Size returns the number of addresses in the network.
func (f *Filter) Size() uint64 {
	return f.size
}

// BlockSize returns the number of addresses per block.
func (f *Filter) BlockSize() uint32 {
	return f.blockSize
}

// Blocks returns the number of blocks in the network.
func (f *Filter) Blocks() uint32 {
	return f.blocks
}

func (f *Filter) reservedBlock(b uint32) bool {
	return b < leadingBlocks || b >= f.blocks-trailingBlocks
}

// IsProtected reports whether the address at offset from the network address
// must never be allocated. Offsets outside the network are protected.
func (f *Filter) IsProtected(offset uint32) bool {
	if uint64(offset) >= f.size {
		return true
	}
	if _, ok := f.gateways[offset]; ok {
		return true
	}
	if f.reservedBlock(offset / f.blockSize) {
		return true
	}
	within := offset % f.blockSize
	return within == 0 || within == f.blockSize-1
}

// IsProtectedAddr is IsProtected for an address. Addresses outside the
// network are protected.
func (f *Filter) IsProtectedAddr(addr netip.Addr) bool {
	offset, ok := f.Offset(addr)
	if !ok {
		return true
	}
	return f.IsProtected(offset)
}

// FirstProtected returns the lowest protected offset in [lo, hi).
func (f *Filter) FirstProtected(lo, hi uint64) (uint64, bool) {
	for o := lo; o < hi; o++ {
		if o >= f.size || f.IsProtected(uint32(o)) {
			return o, true
		}
	}
	return 0, false
}

// ProtectedCount returns the number of protected addresses: the reserved
// blocks in full, plus every address reservation that falls outside them.
func (f *Filter) ProtectedCount() uint64 {
	reserved := uint64(leadingBlocks+trailingBlocks) * uint64(f.blockSize)

	outside := uint64(f.blocks-leadingBlocks-trailingBlocks) * 2
	for g := range f.gateways {
		if !f.reservedBlock(g / f.blockSize) {
			within := g % f.blockSize
			if within != 0 && within != f.blockSize-1 {
				outside++
			}
		}
	}
	return reserved + outside
}

// UsableCount returns the number of addresses that may be allocated.
func (f *Filter) UsableCount() uint64 {
	return f.size - f.ProtectedCount()
}

// Addr returns the address at offset from the network address.
func (f *Filter) Addr(offset uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], f.base+offset)
	return netip.AddrFrom4(b)
}

// Offset returns the offset of addr from the network address, and false if
// addr is outside the network.
func (f *Filter) Offset(addr netip.Addr) (uint32, bool) {
	addr = addr.Unmap()
	if !f.network.Contains(addr) {
		return 0, false
	}
	a4 := addr.As4()
	return binary.BigEndian.Uint32(a4[:]) - f.base, true
}
