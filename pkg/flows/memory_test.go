package flows

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func learningRule() Rule {
	return Rule{
		Table:    1,
		Priority: UEFlowPriority,
		Match:    Match{IMSI: 0x1c, EthType: EthTypeIPv4, IPProto: IPProtoTCP, TCPDst: 80},
		Actions: []Action{
			Learn{
				Table:         2,
				Priority:      UEFlowPriority,
				DeleteLearned: true,
				Specs: []LearnSpec{
					MatchValue(FieldIMSI, 0x1c),
					MatchField(FieldTCPDst, FieldTCPSrc),
					LoadField(FieldIPv4Dst, FieldIPv4Src),
				},
			},
			Output{Port: PortLocal},
		},
	}
}

func TestMemorySwitch_RequiresDatapath(t *testing.T) {
	sw := NewMemorySwitch()

	assert.ErrorIs(t, sw.Install(nil, Rule{}), ErrNotConnected)
	assert.ErrorIs(t, sw.Delete(nil, Deletion{}), ErrNotConnected)
	assert.ErrorIs(t, sw.DeleteAll(nil, 0), ErrNotConnected)
	assert.ErrorIs(t, sw.SendPacket(nil, PortFlood, nil), ErrNotConnected)
	_, _, err := sw.Process(nil, 0, Packet{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemorySwitch_InstallReplaces(t *testing.T) {
	sw := NewMemorySwitch()
	dp := NewDatapath("br0")

	rule := Rule{Table: 1, Priority: DefaultPriority, Match: Match{Direction: DirectionIn}}
	require.NoError(t, sw.Install(dp, rule))

	rule.Actions = []Action{Resubmit{Table: 2}}
	require.NoError(t, sw.Install(dp, rule))

	rules := sw.Rules(1)
	require.Len(t, rules, 1)
	assert.Equal(t, rule.String(), rules[0].String())
}

func TestMemorySwitch_ProcessLearns(t *testing.T) {
	sw := NewMemorySwitch()
	dp := NewDatapath("br0")

	require.NoError(t, sw.Install(dp, learningRule()))
	require.NoError(t, sw.Install(dp, Rule{Table: 1, Priority: MinimumPriority}))

	pkt := Packet{
		IMSI:    0x1c,
		EthType: EthTypeIPv4,
		IPProto: IPProtoTCP,
		IPv4Src: netip.MustParseAddr("10.0.0.5"),
		TCPSrc:  40000,
		TCPDst:  80,
	}
	hit, ok, err := sw.Process(dp, 1, pkt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, UEFlowPriority, hit.Priority)

	learned := sw.Rules(2)
	require.Len(t, learned, 1)
	assert.Equal(t, Match{IMSI: 0x1c, TCPDst: 40000}, learned[0].Match)
	assert.Equal(t, []Action{SetField{Field: FieldIPv4Dst, Value: IPv4Value(pkt.IPv4Src)}}, learned[0].Actions)

	_, ok, err = sw.Process(dp, 3, pkt)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySwitch_DeleteCascades(t *testing.T) {
	sw := NewMemorySwitch()
	dp := NewDatapath("br0")
	parent := learningRule()

	require.NoError(t, sw.Install(dp, parent))
	_, _, err := sw.Process(dp, 1, Packet{IMSI: 0x1c, EthType: EthTypeIPv4, IPProto: IPProtoTCP, TCPDst: 80, TCPSrc: 1234})
	require.NoError(t, err)
	require.Len(t, sw.Rules(2), 1)

	// A deletion whose match differs leaves everything in place.
	require.NoError(t, sw.Delete(dp, Deletion{Table: 1, Match: Match{IMSI: 0x1c}}))
	assert.Len(t, sw.Rules(1), 1)

	require.NoError(t, sw.Delete(dp, Deletion{Table: 1, Match: parent.Match}))
	assert.Empty(t, sw.Rules(1))
	assert.Empty(t, sw.Rules(2))
}

func TestMemorySwitch_DeleteAll(t *testing.T) {
	sw := NewMemorySwitch()
	dp := NewDatapath("br0")

	require.NoError(t, sw.Install(dp, learningRule()))
	require.NoError(t, sw.Install(dp, Rule{Table: 5, Priority: DefaultPriority}))
	_, _, err := sw.Process(dp, 1, Packet{IMSI: 0x1c, EthType: EthTypeIPv4, IPProto: IPProtoTCP, TCPDst: 80})
	require.NoError(t, err)

	require.NoError(t, sw.DeleteAll(dp, 1))
	assert.Empty(t, sw.Rules(1))
	assert.Empty(t, sw.Rules(2))
	assert.Len(t, sw.Rules(5), 1)

	dump := sw.Dump()
	require.Len(t, dump, 1)
	assert.Equal(t, TableID(5), dump[0].Table)
}

func TestMemorySwitch_SendPacket(t *testing.T) {
	sw := NewMemorySwitch()
	dp := NewDatapath("br0")

	data := []byte{1, 2, 3}
	require.NoError(t, sw.SendPacket(dp, PortFlood, data))
	data[0] = 9

	packets := sw.Packets()
	require.Len(t, packets, 1)
	assert.Equal(t, dp.ID, packets[0].Datapath)
	assert.Equal(t, PortFlood, packets[0].Port)
	assert.Equal(t, []byte{1, 2, 3}, packets[0].Data)
}
