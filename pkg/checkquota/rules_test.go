package checkquota

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/checkquota/pkg/flows"
)

const testIMSI = "001010000000001"

func testRuleSet(t *testing.T) ruleSet {
	t.Helper()
	mac, err := net.ParseMAC("02:00:00:00:00:01")
	require.NoError(t, err)

	return ruleSet{
		table:        2,
		nextTable:    3,
		egressTable:  3,
		scratchTable: 201,
		bridgeIP:     netip.MustParseAddr("192.168.128.1"),
		bridgeMAC:    mac,
		quotaCheckIP: netip.MustParseAddr("1.2.3.4"),
		hasQuotaPort: 8080,
		noQuotaPort:  8081,
	}
}

func TestForwardRule(t *testing.T) {
	r := testRuleSet(t)
	encoded, err := flows.EncodeIMSI(testIMSI)
	require.NoError(t, err)
	fakeIP := netip.MustParseAddr("192.168.0.1")

	rule := r.forwardRule(encoded, fakeIP, true)

	want := "table=2,priority=11,metadata=0x3aca2c3d006,reg1=0x1,eth_type=0x800,ip_proto=6," +
		"vlan_vid=0x1000/0x1000,ip_dst=1.2.3.4," +
		"actions=learn(table=201,priority=11,delete_learned,eth_type=0x800,ip_proto=6,reg1=0x10," +
		"ip_src=192.168.128.1,ip_dst=192.168.0.1,tcp_src=8080,metadata=0x3aca2c3d006," +
		"NXM_OF_TCP_DST[]=NXM_OF_TCP_SRC[],load:NXM_OF_IP_SRC[]->NXM_OF_IP_DST[]," +
		"load:0x1020304->NXM_OF_IP_SRC[],load:0x50->NXM_OF_TCP_SRC[])," +
		"set_field:192.168.0.1->ip_src,set_field:192.168.128.1->ip_dst," +
		"set_field:02:00:00:00:00:01->eth_dst,set_field:8080->tcp_dst,pop_vlan,output:LOCAL"
	assert.Equal(t, want, rule.String())

	noQuota := r.forwardRule(encoded, fakeIP, false)
	assert.Equal(t, rule.Match, noQuota.Match, "a flip must replace the same rule")
	assert.Contains(t, noQuota.String(), "set_field:8081->tcp_dst")
	assert.Contains(t, noQuota.String(), "tcp_src=8081")
}

func TestInboundRule(t *testing.T) {
	r := testRuleSet(t)

	rule := r.inboundRule(0x8)
	assert.Equal(t,
		"table=2,priority=10,metadata=0x8,reg1=0x10,eth_type=0x800,ip_proto=6,ip_src=192.168.128.1,"+
			"actions=resubmit(,201),resubmit(,3)",
		rule.String())
}

func TestSubscriberDeletions(t *testing.T) {
	r := testRuleSet(t)

	dels := r.subscriberDeletions(0x8)
	require.Len(t, dels, 3)
	assert.Equal(t, "table=2,metadata=0x8,reg1=0x1,eth_type=0x800,ip_proto=6,ip_dst=1.2.3.4", dels[0].String())
	assert.Equal(t, "table=2,metadata=0x8,reg1=0x10,eth_type=0x800,ip_proto=6,ip_src=192.168.128.1", dels[1].String())
	assert.Equal(t, "table=2,metadata=0x8,reg1=0x1,eth_type=0x800,ip_proto=6,vlan_vid=0x1000/0x1000,ip_dst=1.2.3.4", dels[2].String())

	rules := r.subscriberRules(0x8, netip.MustParseAddr("192.168.0.1"), true)
	assert.Equal(t, rules[0].Match, dels[2].Match)
	assert.Equal(t, rules[1].Match, dels[1].Match)
}

func TestDefaultRules(t *testing.T) {
	r := testRuleSet(t)

	rules := r.defaultRules()
	require.Len(t, rules, 2)
	assert.Equal(t, "table=2,priority=0,reg1=0x10,actions=resubmit(,3)", rules[0].String())
	assert.Equal(t, "table=2,priority=0,reg1=0x1,actions=resubmit(,3)", rules[1].String())
}

// The learned rule turns the backend's reply back into a reply from the
// quota-check server on port 80.
func TestReverseRewrite(t *testing.T) {
	r := testRuleSet(t)
	sw := flows.NewMemorySwitch()
	dp := flows.NewDatapath("cwag_br0")

	encoded, err := flows.EncodeIMSI(testIMSI)
	require.NoError(t, err)
	fakeIP := netip.MustParseAddr("192.168.0.1")
	ueIP := netip.MustParseAddr("10.20.0.7")

	for _, rule := range r.subscriberRules(encoded, fakeIP, false) {
		require.NoError(t, sw.Install(dp, rule))
	}

	forward := flows.Packet{
		IMSI:      encoded,
		Direction: flows.DirectionOut,
		EthType:   flows.EthTypeIPv4,
		IPProto:   flows.IPProtoTCP,
		VLANVID:   flows.VLANPresent | 10,
		IPv4Src:   ueIP,
		IPv4Dst:   r.quotaCheckIP,
		TCPSrc:    43210,
		TCPDst:    80,
	}
	hit, ok, err := sw.Process(dp, r.table, forward)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, flows.UEFlowPriority, hit.Priority)

	reply := flows.Packet{
		IMSI:      encoded,
		Direction: flows.DirectionIn,
		EthType:   flows.EthTypeIPv4,
		IPProto:   flows.IPProtoTCP,
		IPv4Src:   r.bridgeIP,
		IPv4Dst:   fakeIP,
		TCPSrc:    8081,
		TCPDst:    43210,
	}
	hit, ok, err = sw.Process(dp, r.table, reply)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []flows.Action{
		flows.Resubmit{Table: r.scratchTable},
		flows.Resubmit{Table: r.egressTable},
	}, hit.Actions)

	learned, ok, err := sw.Process(dp, r.scratchTable, reply)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []flows.Action{
		flows.SetField{Field: flows.FieldIPv4Dst, Value: flows.IPv4Value(ueIP)},
		flows.SetField{Field: flows.FieldIPv4Src, Value: flows.IPv4Value(r.quotaCheckIP)},
		flows.SetField{Field: flows.FieldTCPSrc, Value: 80},
	}, learned.Actions)

	// Another connection of the same subscriber does not match.
	other := reply
	other.TCPDst = 50000
	_, ok, err = sw.Process(dp, r.scratchTable, other)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, del := range r.subscriberDeletions(encoded) {
		require.NoError(t, sw.Delete(dp, del))
	}
	assert.Empty(t, sw.Rules(r.table))
	assert.Empty(t, sw.Rules(r.scratchTable))
}

func TestUpdateTypeJSON(t *testing.T) {
	tests := []struct {
		in   string
		want UpdateType
	}{
		{in: `"VALID_QUOTA"`, want: UpdateValidQuota},
		{in: `"NO_QUOTA"`, want: UpdateNoQuota},
		{in: `"TERMINATE"`, want: UpdateTerminate},
		{in: `2`, want: UpdateTerminate},
		{in: `"SUSPENDED"`, want: updateUnknown},
		{in: `7`, want: updateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var got UpdateType
			require.NoError(t, got.UnmarshalJSON([]byte(tt.in)))
			assert.Equal(t, tt.want, got)
		})
	}

	var bad UpdateType
	assert.Error(t, bad.UnmarshalJSON([]byte(`{}`)))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "bridge IP not IPv4", modify: func(c *Config) { c.BridgeIP = netip.MustParseAddr("fd00::1") }},
		{name: "quota check IP unset", modify: func(c *Config) { c.QuotaCheckIP = netip.Addr{} }},
		{name: "same addresses", modify: func(c *Config) { c.QuotaCheckIP = c.BridgeIP }},
		{name: "no port", modify: func(c *Config) { c.NoQuotaPort = 0 }},
		{name: "no retries", modify: func(c *Config) { c.MACRetries = 0 }},
		{name: "no network", modify: func(c *Config) { c.FakeIPNetwork = netip.Prefix{} }},
	}

	require.NoError(t, DefaultConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
