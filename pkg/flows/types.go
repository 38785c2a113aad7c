package flows

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// TableID identifies a flow table in the switch pipeline.
type TableID uint8

// Rule priorities shared by every app in the pipeline.
const (
	MinimumPriority uint16 = 0
	DefaultPriority uint16 = 10
	UEFlowPriority  uint16 = DefaultPriority + 1
)

// Direction is loaded into the direction register by the ingress and egress
// apps before a packet reaches any subscriber table.
type Direction uint32

const (
	DirectionOut Direction = 0x01
	DirectionIn  Direction = 0x10
)

func (d Direction) String() string {
	switch d {
	case DirectionOut:
		return "OUT"
	case DirectionIn:
		return "IN"
	default:
		return fmt.Sprintf("Direction(%#x)", uint32(d))
	}
}

// Reserved OpenFlow port numbers.
const (
	PortInPort     uint32 = 0xfffffff8
	PortFlood      uint32 = 0xfffffffb
	PortController uint32 = 0xfffffffd
	PortLocal      uint32 = 0xfffffffe
)

// Protocol constants used in matches.
const (
	EthTypeIPv4 uint16 = 0x0800
	EthTypeARP  uint16 = 0x0806
	IPProtoTCP  uint8  = 6

	// VLANPresent is the OFPVID_PRESENT bit: set when the packet carries a
	// VLAN tag, whatever its VID.
	VLANPresent uint16 = 0x1000

	ARPOpRequest uint16 = 1
	ARPOpReply   uint16 = 2
)

// Match describes the fields a rule matches on. Zero values mean
// "wildcarded", so a zero Match matches every packet.
type Match struct {
	IMSI      uint64
	Direction Direction
	EthType   uint16
	IPProto   uint8
	VLANVID   uint16
	VLANMask  uint16
	IPv4Src   netip.Addr
	IPv4Dst   netip.Addr
	TCPSrc    uint16
	TCPDst    uint16
	ARPOp     uint16
	ARPTPA    netip.Addr
}

// Matches reports whether pkt satisfies every non-wildcarded field of m.
func (m Match) Matches(pkt Packet) bool {
	switch {
	case m.IMSI != 0 && m.IMSI != pkt.IMSI:
		return false
	case m.Direction != 0 && m.Direction != pkt.Direction:
		return false
	case m.EthType != 0 && m.EthType != pkt.EthType:
		return false
	case m.IPProto != 0 && m.IPProto != pkt.IPProto:
		return false
	case m.VLANMask != 0 && pkt.VLANVID&m.VLANMask != m.VLANVID&m.VLANMask:
		return false
	case m.IPv4Src.IsValid() && m.IPv4Src != pkt.IPv4Src:
		return false
	case m.IPv4Dst.IsValid() && m.IPv4Dst != pkt.IPv4Dst:
		return false
	case m.TCPSrc != 0 && m.TCPSrc != pkt.TCPSrc:
		return false
	case m.TCPDst != 0 && m.TCPDst != pkt.TCPDst:
		return false
	case m.ARPOp != 0 && m.ARPOp != pkt.ARPOp:
		return false
	case m.ARPTPA.IsValid() && m.ARPTPA != pkt.ARPTPA:
		return false
	}
	return true
}

// String renders the match in ovs-ofctl syntax.
func (m Match) String() string {
	var parts []string
	if m.IMSI != 0 {
		parts = append(parts, fmt.Sprintf("%s=%#x", FieldIMSI, m.IMSI))
	}
	if m.Direction != 0 {
		parts = append(parts, fmt.Sprintf("%s=%#x", FieldDirection, uint32(m.Direction)))
	}
	if m.EthType != 0 {
		parts = append(parts, fmt.Sprintf("%s=%#x", FieldEthType, m.EthType))
	}
	if m.IPProto != 0 {
		parts = append(parts, fmt.Sprintf("%s=%d", FieldIPProto, m.IPProto))
	}
	if m.VLANMask != 0 {
		parts = append(parts, fmt.Sprintf("vlan_vid=%#x/%#x", m.VLANVID, m.VLANMask))
	}
	if m.IPv4Src.IsValid() {
		parts = append(parts, fmt.Sprintf("%s=%s", FieldIPv4Src, m.IPv4Src))
	}
	if m.IPv4Dst.IsValid() {
		parts = append(parts, fmt.Sprintf("%s=%s", FieldIPv4Dst, m.IPv4Dst))
	}
	if m.TCPSrc != 0 {
		parts = append(parts, fmt.Sprintf("%s=%d", FieldTCPSrc, m.TCPSrc))
	}
	if m.TCPDst != 0 {
		parts = append(parts, fmt.Sprintf("%s=%d", FieldTCPDst, m.TCPDst))
	}
	if m.ARPOp != 0 {
		parts = append(parts, fmt.Sprintf("%s=%d", FieldARPOp, m.ARPOp))
	}
	if m.ARPTPA.IsValid() {
		parts = append(parts, fmt.Sprintf("%s=%s", FieldARPTPA, m.ARPTPA))
	}
	return strings.Join(parts, ",")
}

// Packet carries the header fields of a packet as seen by the pipeline.
// It is used to emulate lookups and learn actions off-switch.
type Packet struct {
	IMSI      uint64
	Direction Direction
	EthType   uint16
	IPProto   uint8
	VLANVID   uint16
	EthSrc    net.HardwareAddr
	EthDst    net.HardwareAddr
	IPv4Src   netip.Addr
	IPv4Dst   netip.Addr
	TCPSrc    uint16
	TCPDst    uint16
	ARPOp     uint16
	ARPTPA    netip.Addr
}

// Rule is a declarative match-action rule for one table.
type Rule struct {
	Table    TableID
	Priority uint16
	Match    Match
	Actions  []Action
}

// String renders the rule in ovs-ofctl add-flow syntax.
func (r Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "table=%d,priority=%d", r.Table, r.Priority)
	if match := r.Match.String(); match != "" {
		b.WriteString(",")
		b.WriteString(match)
	}
	b.WriteString(",actions=")
	if len(r.Actions) == 0 {
		b.WriteString("drop")
		return b.String()
	}
	for i, action := range r.Actions {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(action.String())
	}
	return b.String()
}

// Learns returns the learn actions carried by the rule.
func (r Rule) Learns() []Learn {
	var learns []Learn
	for _, action := range r.Actions {
		if l, ok := action.(Learn); ok {
			learns = append(learns, l)
		}
	}
	return learns
}

// Deletion removes the rules of a table whose match equals Match.
type Deletion struct {
	Table TableID
	Match Match
}

func (d Deletion) String() string {
	if match := d.Match.String(); match != "" {
		return fmt.Sprintf("table=%d,%s", d.Table, match)
	}
	return fmt.Sprintf("table=%d", d.Table)
}

// IPv4Value converts an IPv4 address to the integer form used by register
// loads and learn specs.
func IPv4Value(addr netip.Addr) uint64 {
	if !addr.Is4() {
		return 0
	}
	b := addr.As4()
	return uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
}

// MACValue converts a MAC address to its 48-bit integer form.
func MACValue(mac net.HardwareAddr) uint64 {
	var v uint64
	for i := 0; i < 6 && i < len(mac); i++ {
		v = v<<8 | uint64(mac[i])
	}
	return v
}

func valueToIPv4(v uint64) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func valueToMAC(v uint64) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	for i := 5; i >= 0; i-- {
		mac[i] = byte(v)
		v >>= 8
	}
	return mac
}
