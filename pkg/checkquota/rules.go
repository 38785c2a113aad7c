package checkquota

import (
	"net"
	"net/netip"

	"github.com/codelaboratoryltd/checkquota/pkg/flows"
)

// quotaCheckServerPort is the port subscribers connect to on QuotaCheckIP.
const quotaCheckServerPort = 80

// reflection maps a field observed on a forward packet to the field that
// carries the same value on its return traffic.
type reflection struct {
	observed flows.Field
	learned  flows.Field
}

// reflectedMatches are matched by the learned reverse rule: the subscriber's
// source port is the destination port of the reply.
var reflectedMatches = []reflection{
	{observed: flows.FieldTCPSrc, learned: flows.FieldTCPDst},
}

// reflectedLoads are rewritten by the learned reverse rule: the reply goes
// back to the subscriber's real address.
var reflectedLoads = []reflection{
	{observed: flows.FieldIPv4Src, learned: flows.FieldIPv4Dst},
}

// ruleSet synthesizes the rules of the check_quota table.
type ruleSet struct {
	table        flows.TableID
	nextTable    flows.TableID
	egressTable  flows.TableID
	scratchTable flows.TableID

	bridgeIP     netip.Addr
	bridgeMAC    net.HardwareAddr
	quotaCheckIP netip.Addr
	hasQuotaPort uint16
	noQuotaPort  uint16
}

func (r ruleSet) backendPort(hasQuota bool) uint16 {
	if hasQuota {
		return r.hasQuotaPort
	}
	return r.noQuotaPort
}

// forwardMatch selects a subscriber's outbound connections to the
// quota-check address, optionally only VLAN-tagged ones.
func (r ruleSet) forwardMatch(imsi uint64, tagged bool) flows.Match {
	m := flows.Match{
		IMSI:      imsi,
		Direction: flows.DirectionOut,
		EthType:   flows.EthTypeIPv4,
		IPProto:   flows.IPProtoTCP,
		IPv4Dst:   r.quotaCheckIP,
	}
	if tagged {
		m.VLANVID = flows.VLANPresent
		m.VLANMask = flows.VLANPresent
	}
	return m
}

// inboundMatch selects backend replies headed for a subscriber.
func (r ruleSet) inboundMatch(imsi uint64) flows.Match {
	return flows.Match{
		IMSI:      imsi,
		Direction: flows.DirectionIn,
		EthType:   flows.EthTypeIPv4,
		IPProto:   flows.IPProtoTCP,
		IPv4Src:   r.bridgeIP,
	}
}

// reverseLearn is the template of the rule that undoes the forward rewrite
// on return traffic of one connection.
func (r ruleSet) reverseLearn(imsi uint64, fakeIP netip.Addr, port uint16) flows.Learn {
	specs := []flows.LearnSpec{
		flows.MatchValue(flows.FieldEthType, uint64(flows.EthTypeIPv4)),
		flows.MatchValue(flows.FieldIPProto, uint64(flows.IPProtoTCP)),
		flows.MatchValue(flows.FieldDirection, uint64(flows.DirectionIn)),
		flows.MatchValue(flows.FieldIPv4Src, flows.IPv4Value(r.bridgeIP)),
		flows.MatchValue(flows.FieldIPv4Dst, flows.IPv4Value(fakeIP)),
		flows.MatchValue(flows.FieldTCPSrc, uint64(port)),
		flows.MatchValue(flows.FieldIMSI, imsi),
	}
	for _, ref := range reflectedMatches {
		specs = append(specs, flows.MatchField(ref.learned, ref.observed))
	}
	for _, ref := range reflectedLoads {
		specs = append(specs, flows.LoadField(ref.learned, ref.observed))
	}
	specs = append(specs,
		flows.LoadValue(flows.FieldIPv4Src, flows.IPv4Value(r.quotaCheckIP)),
		flows.LoadValue(flows.FieldTCPSrc, quotaCheckServerPort),
	)

	return flows.Learn{
		Table:         r.scratchTable,
		Priority:      flows.UEFlowPriority,
		DeleteLearned: true,
		Specs:         specs,
	}
}

// forwardRule sends a subscriber's quota-check connection to the backend
// port for its decision, disguised as coming from fakeIP.
func (r ruleSet) forwardRule(imsi uint64, fakeIP netip.Addr, hasQuota bool) flows.Rule {
	port := r.backendPort(hasQuota)
	return flows.Rule{
		Table:    r.table,
		Priority: flows.UEFlowPriority,
		Match:    r.forwardMatch(imsi, true),
		Actions: []flows.Action{
			r.reverseLearn(imsi, fakeIP, port),
			flows.SetIPv4(flows.FieldIPv4Src, fakeIP),
			flows.SetIPv4(flows.FieldIPv4Dst, r.bridgeIP),
			flows.SetMAC(flows.FieldEthDst, r.bridgeMAC),
			flows.SetPort(flows.FieldTCPDst, port),
			flows.PopVLAN{},
			flows.Output{Port: flows.PortLocal},
		},
	}
}

// inboundRule runs backend replies through the learned rules, then on to
// egress.
func (r ruleSet) inboundRule(imsi uint64) flows.Rule {
	return flows.Rule{
		Table:    r.table,
		Priority: flows.DefaultPriority,
		Match:    r.inboundMatch(imsi),
		Actions: []flows.Action{
			flows.Resubmit{Table: r.scratchTable},
			flows.Resubmit{Table: r.egressTable},
		},
	}
}

// subscriberRules returns the forward and inbound rules of a subscriber.
func (r ruleSet) subscriberRules(imsi uint64, fakeIP netip.Addr, hasQuota bool) []flows.Rule {
	return []flows.Rule{
		r.forwardRule(imsi, fakeIP, hasQuota),
		r.inboundRule(imsi),
	}
}

// subscriberDeletions removes everything subscriberRules installed.
func (r ruleSet) subscriberDeletions(imsi uint64) []flows.Deletion {
	return []flows.Deletion{
		{Table: r.table, Match: r.forwardMatch(imsi, false)},
		{Table: r.table, Match: r.inboundMatch(imsi)},
		{Table: r.table, Match: r.forwardMatch(imsi, true)},
	}
}

// defaultRules pass unmatched traffic to the next app.
func (r ruleSet) defaultRules() []flows.Rule {
	rules := make([]flows.Rule, 0, 2)
	for _, dir := range []flows.Direction{flows.DirectionIn, flows.DirectionOut} {
		rules = append(rules, flows.Rule{
			Table:    r.table,
			Priority: flows.MinimumPriority,
			Match:    flows.Match{Direction: dir},
			Actions:  []flows.Action{flows.Resubmit{Table: r.nextTable}},
		})
	}
	return rules
}

// tables returns the tables the app owns.
func (r ruleSet) tables() []flows.TableID {
	return []flows.TableID{r.table, r.scratchTable}
}
