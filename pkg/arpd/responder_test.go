package arpd

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/checkquota/pkg/flows"
)

func TestGratuitousARP(t *testing.T) {
	ip := netip.MustParseAddr("192.168.0.1")
	mac, _ := net.ParseMAC("5e:cc:cc:b1:49:4b")

	frame, err := GratuitousARP(ip, mac)
	require.NoError(t, err)

	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)

	eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	assert.Equal(t, mac, eth.SrcMAC)
	assert.Equal(t, broadcastMAC, eth.DstMAC)

	arp, ok := packet.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok)
	assert.Equal(t, uint16(layers.ARPRequest), arp.Operation)
	assert.Equal(t, []byte(mac), arp.SourceHwAddress)
	assert.Equal(t, []byte{192, 168, 0, 1}, arp.SourceProtAddress)
	assert.Equal(t, []byte{192, 168, 0, 1}, arp.DstProtAddress)
}

func TestBindVirtualAddress(t *testing.T) {
	sw := flows.NewMemorySwitch()
	dp := flows.NewDatapath("br0")
	r := NewResponder(sw, 1, zap.NewNop())

	ip := netip.MustParseAddr("192.168.0.1")
	mac, _ := net.ParseMAC("5e:cc:cc:b1:49:4b")

	require.NoError(t, r.BindVirtualAddress(dp, ip, mac))

	rules := sw.Rules(1)
	require.Len(t, rules, 1)
	assert.Equal(t,
		"table=1,priority=10,eth_type=0x806,arp_op=1,arp_tpa=192.168.0.1,"+
			"actions=move:NXM_OF_ETH_SRC[]->NXM_OF_ETH_DST[],set_field:5e:cc:cc:b1:49:4b->eth_src,"+
			"set_field:2->arp_op,move:NXM_NX_ARP_SHA[]->NXM_NX_ARP_THA[],set_field:5e:cc:cc:b1:49:4b->arp_sha,"+
			"move:NXM_OF_ARP_SPA[]->NXM_OF_ARP_TPA[],set_field:192.168.0.1->arp_spa,IN_PORT",
		rules[0].String())

	_, ok, err := sw.Process(dp, 1, flows.Packet{EthType: flows.EthTypeARP, ARPOp: flows.ARPOpRequest, ARPTPA: ip})
	require.NoError(t, err)
	assert.True(t, ok)

	packets := sw.Packets()
	require.Len(t, packets, 1)
	assert.Equal(t, flows.PortFlood, packets[0].Port)
}

func TestBindVirtualAddress_Invalid(t *testing.T) {
	sw := flows.NewMemorySwitch()
	dp := flows.NewDatapath("br0")
	r := NewResponder(sw, 1, zap.NewNop())
	mac, _ := net.ParseMAC("5e:cc:cc:b1:49:4b")

	assert.Error(t, r.BindVirtualAddress(dp, netip.MustParseAddr("fd00::1"), mac))
	assert.Error(t, r.BindVirtualAddress(dp, netip.MustParseAddr("192.168.0.1"), nil))
	assert.ErrorIs(t, r.BindVirtualAddress(nil, netip.MustParseAddr("192.168.0.1"), mac), flows.ErrNotConnected)
	assert.Empty(t, sw.Rules(1))
}
