// Package arpd answers ARP requests for virtual addresses on the switch
// itself, so hosts on the bridge can resolve them.
package arpd

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/checkquota/pkg/flows"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Responder installs ARP reply rules into its own table.
type Responder struct {
	sw     flows.Switch
	table  flows.TableID
	logger *zap.Logger
}

// NewResponder creates a responder that programs table through sw.
func NewResponder(sw flows.Switch, table flows.TableID, logger *zap.Logger) *Responder {
	return &Responder{
		sw:     sw,
		table:  table,
		logger: logger,
	}
}

// BindVirtualAddress makes the switch answer ARP requests for ip with mac
// and announces the binding with a gratuitous ARP.
func (r *Responder) BindVirtualAddress(dp *flows.Datapath, ip netip.Addr, mac net.HardwareAddr) error {
	if !ip.Is4() {
		return fmt.Errorf("not an IPv4 address: %s", ip)
	}
	if len(mac) != 6 {
		return fmt.Errorf("invalid MAC address %q", mac)
	}

	if err := r.sw.Install(dp, r.replyRule(ip, mac)); err != nil {
		return fmt.Errorf("install ARP reply for %s: %w", ip, err)
	}

	frame, err := GratuitousARP(ip, mac)
	if err != nil {
		return fmt.Errorf("build gratuitous ARP: %w", err)
	}
	if err := r.sw.SendPacket(dp, flows.PortFlood, frame); err != nil {
		return fmt.Errorf("send gratuitous ARP: %w", err)
	}

	r.logger.Info("Bound virtual address",
		zap.String("ip", ip.String()),
		zap.String("mac", mac.String()),
	)
	return nil
}

// replyRule turns a request for ip into a reply from mac and sends it back
// where it came from.
func (r *Responder) replyRule(ip netip.Addr, mac net.HardwareAddr) flows.Rule {
	return flows.Rule{
		Table:    r.table,
		Priority: flows.DefaultPriority,
		Match: flows.Match{
			EthType: flows.EthTypeARP,
			ARPOp:   flows.ARPOpRequest,
			ARPTPA:  ip,
		},
		Actions: []flows.Action{
			flows.Move{Src: flows.FieldEthSrc, Dst: flows.FieldEthDst},
			flows.SetMAC(flows.FieldEthSrc, mac),
			flows.SetField{Field: flows.FieldARPOp, Value: uint64(flows.ARPOpReply)},
			flows.Move{Src: flows.FieldARPSHA, Dst: flows.FieldARPTHA},
			flows.SetMAC(flows.FieldARPSHA, mac),
			flows.Move{Src: flows.FieldARPSPA, Dst: flows.FieldARPTPA},
			flows.SetIPv4(flows.FieldARPSPA, ip),
			flows.Output{Port: flows.PortInPort},
		},
	}
}

// GratuitousARP builds a broadcast ARP request announcing ip at mac.
func GratuitousARP(ip netip.Addr, mac net.HardwareAddr) ([]byte, error) {
	addr := ip.As4()

	ether := layers.Ethernet{
		EthernetType: layers.EthernetTypeARP,

		SrcMAC: mac,
		DstMAC: broadcastMAC,
	}

	arp := layers.ARP{
		AddrType: layers.LinkTypeEthernet,
		Protocol: layers.EthernetTypeIPv4,

		HwAddressSize:   6,
		ProtAddressSize: 4,
		Operation:       layers.ARPRequest,

		SourceHwAddress:   []byte(mac),
		SourceProtAddress: addr[:],

		DstHwAddress:   []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress: addr[:],
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, &ether, &arp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
