// Package fakeip hands out private virtual addresses that stand in for the
// quota-check server on a subscriber's redirected connections.
package fakeip

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

var (
	// ErrPrefixTooSmall is returned for prefixes with fewer than three hosts.
	ErrPrefixTooSmall = errors.New("prefix too small")

	// ErrNoUsableAddress is returned when every host of the prefix is reserved.
	ErrNoUsableAddress = errors.New("no usable address")
)

// DefaultPrefix is the private network virtual addresses are drawn from.
var DefaultPrefix = netip.MustParsePrefix("192.168.0.0/16")

const minHosts = 3

// Pool is a cursor over the host addresses of an IPv4 prefix. Addresses
// are handed out in order and the cursor wraps after the last host; nothing
// is ever returned to the pool, so the prefix must be larger than the
// number of subscribers redirected at once.
type Pool struct {
	mu       sync.Mutex
	prefix   netip.Prefix
	first    uint32
	size     uint32
	cursor   uint32
	wraps    uint64
	reserved map[netip.Addr]struct{}
}

// New creates a pool over the hosts of prefix, excluding its network and
// broadcast addresses and any reserved address.
func New(prefix netip.Prefix, reserved ...netip.Addr) (*Pool, error) {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		return nil, fmt.Errorf("invalid IPv4 prefix %q", prefix)
	}
	prefix = prefix.Masked()

	hostBits := 32 - prefix.Bits()
	if hostBits < 2 || (uint64(1)<<hostBits)-2 < minHosts {
		return nil, fmt.Errorf("%w: %s", ErrPrefixTooSmall, prefix)
	}

	p := &Pool{
		prefix:   prefix,
		first:    addrToUint32(prefix.Addr()) + 1,
		size:     uint32((uint64(1) << hostBits) - 2),
		reserved: make(map[netip.Addr]struct{}, len(reserved)),
	}
	for _, addr := range reserved {
		p.reserved[addr] = struct{}{}
	}
	return p, nil
}

// Next returns the next usable host address.
func (p *Pool) Next() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := uint32(0); i < p.size; i++ {
		addr := uint32ToAddr(p.first + p.cursor)
		p.cursor++
		if p.cursor == p.size {
			p.cursor = 0
			p.wraps++
		}
		if _, skip := p.reserved[addr]; skip {
			continue
		}
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("%w in %s", ErrNoUsableAddress, p.prefix)
}

// Prefix returns the network the pool draws from.
func (p *Pool) Prefix() netip.Prefix {
	return p.prefix
}

// Size returns the number of host addresses, reserved ones included.
func (p *Pool) Size() int {
	return int(p.size)
}

// Wraps returns how many times the cursor went past the last host.
func (p *Pool) Wraps() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wraps
}

func addrToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32ToAddr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
