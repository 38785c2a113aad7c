package flows

import (
	"fmt"
)

// Field names a match field or a rewrite target, using ovs-ofctl names.
type Field string

const (
	FieldIMSI      Field = "metadata"
	FieldDirection Field = "reg1"
	FieldEthType   Field = "eth_type"
	FieldEthSrc    Field = "eth_src"
	FieldEthDst    Field = "eth_dst"
	FieldIPProto   Field = "ip_proto"
	FieldIPv4Src   Field = "ip_src"
	FieldIPv4Dst   Field = "ip_dst"
	FieldTCPSrc    Field = "tcp_src"
	FieldTCPDst    Field = "tcp_dst"
	FieldARPOp     Field = "arp_op"
	FieldARPSPA    Field = "arp_spa"
	FieldARPTPA    Field = "arp_tpa"
	FieldARPSHA    Field = "arp_sha"
	FieldARPTHA    Field = "arp_tha"
)

type fieldInfo struct {
	nxm  string
	bits int
}

var fieldTable = map[Field]fieldInfo{
	FieldIMSI:      {nxm: "OXM_OF_METADATA", bits: 64},
	FieldDirection: {nxm: "NXM_NX_REG1", bits: 32},
	FieldEthType:   {nxm: "NXM_OF_ETH_TYPE", bits: 16},
	FieldEthSrc:    {nxm: "NXM_OF_ETH_SRC", bits: 48},
	FieldEthDst:    {nxm: "NXM_OF_ETH_DST", bits: 48},
	FieldIPProto:   {nxm: "NXM_OF_IP_PROTO", bits: 8},
	FieldIPv4Src:   {nxm: "NXM_OF_IP_SRC", bits: 32},
	FieldIPv4Dst:   {nxm: "NXM_OF_IP_DST", bits: 32},
	FieldTCPSrc:    {nxm: "NXM_OF_TCP_SRC", bits: 16},
	FieldTCPDst:    {nxm: "NXM_OF_TCP_DST", bits: 16},
	FieldARPOp:     {nxm: "NXM_OF_ARP_OP", bits: 16},
	FieldARPSPA:    {nxm: "NXM_OF_ARP_SPA", bits: 32},
	FieldARPTPA:    {nxm: "NXM_OF_ARP_TPA", bits: 32},
	FieldARPSHA:    {nxm: "NXM_NX_ARP_SHA", bits: 48},
	FieldARPTHA:    {nxm: "NXM_NX_ARP_THA", bits: 48},
}

// Bits returns the width of the field, or 0 for an unknown field.
func (f Field) Bits() int {
	return fieldTable[f].bits
}

// nxmRef renders the whole-field reference used by move, load and learn.
func (f Field) nxmRef() string {
	if info, ok := fieldTable[f]; ok {
		return info.nxm + "[]"
	}
	return string(f) + "[]"
}

// formatValue renders an immediate value the way ovs-ofctl expects it for f.
func (f Field) formatValue(v uint64) string {
	switch f {
	case FieldIPv4Src, FieldIPv4Dst, FieldARPSPA, FieldARPTPA:
		return valueToIPv4(v).String()
	case FieldEthSrc, FieldEthDst, FieldARPSHA, FieldARPTHA:
		return valueToMAC(v).String()
	case FieldIMSI, FieldDirection, FieldEthType:
		return fmt.Sprintf("%#x", v)
	default:
		return fmt.Sprintf("%d", v)
	}
}

// packetValue extracts the value of f from pkt.
func packetValue(pkt Packet, f Field) (uint64, error) {
	switch f {
	case FieldIMSI:
		return pkt.IMSI, nil
	case FieldDirection:
		return uint64(pkt.Direction), nil
	case FieldEthType:
		return uint64(pkt.EthType), nil
	case FieldEthSrc:
		return MACValue(pkt.EthSrc), nil
	case FieldEthDst:
		return MACValue(pkt.EthDst), nil
	case FieldIPProto:
		return uint64(pkt.IPProto), nil
	case FieldIPv4Src:
		return IPv4Value(pkt.IPv4Src), nil
	case FieldIPv4Dst:
		return IPv4Value(pkt.IPv4Dst), nil
	case FieldTCPSrc:
		return uint64(pkt.TCPSrc), nil
	case FieldTCPDst:
		return uint64(pkt.TCPDst), nil
	case FieldARPOp:
		return uint64(pkt.ARPOp), nil
	case FieldARPTPA:
		return IPv4Value(pkt.ARPTPA), nil
	default:
		return 0, fmt.Errorf("field %s not available on packet", f)
	}
}

// setMatchField sets f in m to v.
func setMatchField(m *Match, f Field, v uint64) error {
	switch f {
	case FieldIMSI:
		m.IMSI = v
	case FieldDirection:
		m.Direction = Direction(v)
	case FieldEthType:
		m.EthType = uint16(v)
	case FieldIPProto:
		m.IPProto = uint8(v)
	case FieldIPv4Src:
		m.IPv4Src = valueToIPv4(v)
	case FieldIPv4Dst:
		m.IPv4Dst = valueToIPv4(v)
	case FieldTCPSrc:
		m.TCPSrc = uint16(v)
	case FieldTCPDst:
		m.TCPDst = uint16(v)
	case FieldARPOp:
		m.ARPOp = uint16(v)
	case FieldARPTPA:
		m.ARPTPA = valueToIPv4(v)
	default:
		return fmt.Errorf("field %s cannot be matched", f)
	}
	return nil
}
