package fakeip

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		wantSize int
		wantErr  error
	}{
		{name: "default /16", prefix: "192.168.0.0/16", wantSize: 65534},
		{name: "unmasked", prefix: "10.1.2.3/24", wantSize: 254},
		{name: "/29", prefix: "10.0.0.0/29", wantSize: 6},
		{name: "/30 too small", prefix: "10.0.0.0/30", wantErr: ErrPrefixTooSmall},
		{name: "/32 too small", prefix: "10.0.0.1/32", wantErr: ErrPrefixTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := New(netip.MustParsePrefix(tt.prefix))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSize, pool.Size())
			assert.Equal(t, netip.MustParsePrefix(tt.prefix).Masked(), pool.Prefix())
		})
	}
}

func TestNew_RejectsIPv6(t *testing.T) {
	_, err := New(netip.MustParsePrefix("fd00::/64"))
	assert.Error(t, err)
}

func TestNext_SkipsReserved(t *testing.T) {
	pool, err := New(DefaultPrefix,
		netip.MustParseAddr("192.168.0.2"),
		netip.MustParseAddr("1.2.3.4"),
	)
	require.NoError(t, err)

	first, err := pool.Next()
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.1", first.String())

	second, err := pool.Next()
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.3", second.String())
}

func TestNext_Wraps(t *testing.T) {
	pool, err := New(netip.MustParsePrefix("10.0.0.0/29"), netip.MustParseAddr("10.0.0.6"))
	require.NoError(t, err)

	var got []string
	for i := 0; i < 6; i++ {
		addr, err := pool.Next()
		require.NoError(t, err)
		got = append(got, addr.String())
	}

	assert.Equal(t, []string{
		"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5",
		"10.0.0.1",
	}, got)
	assert.Equal(t, uint64(1), pool.Wraps())
}

// Nothing tracks which addresses are still bound, so a pool smaller than
// the number of live redirects hands a bound address out again.
func TestNext_ReusesBoundAddressAfterCycle(t *testing.T) {
	pool, err := New(netip.MustParsePrefix("10.0.0.0/29"),
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
	)
	require.NoError(t, err)

	bound := make(map[netip.Addr]int)
	var collision netip.Addr
	for i := 0; i < 5; i++ {
		addr, err := pool.Next()
		require.NoError(t, err)
		if _, ok := bound[addr]; ok {
			collision = addr
			break
		}
		bound[addr] = i
	}

	assert.Len(t, bound, 4)
	assert.Equal(t, "10.0.0.3", collision.String())
}

func TestNext_NoUsableAddress(t *testing.T) {
	prefix := netip.MustParsePrefix("10.0.0.0/29")
	var reserved []netip.Addr
	for i := 1; i <= 6; i++ {
		reserved = append(reserved, netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}))
	}

	pool, err := New(prefix, reserved...)
	require.NoError(t, err)

	_, err = pool.Next()
	assert.ErrorIs(t, err, ErrNoUsableAddress)
}
