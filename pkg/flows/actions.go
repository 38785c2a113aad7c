package flows

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Action is one step of a rule's action list.
type Action interface {
	fmt.Stringer
	isAction()
}

// SetField rewrites a header field with an immediate value.
type SetField struct {
	Field Field
	Value uint64
}

func (a SetField) String() string {
	return fmt.Sprintf("set_field:%s->%s", a.Field.formatValue(a.Value), a.Field)
}

// SetIPv4 rewrites an IPv4 address field.
func SetIPv4(f Field, addr netip.Addr) SetField {
	return SetField{Field: f, Value: IPv4Value(addr)}
}

// SetMAC rewrites an Ethernet address field.
func SetMAC(f Field, mac net.HardwareAddr) SetField {
	return SetField{Field: f, Value: MACValue(mac)}
}

// SetPort rewrites a transport port field.
func SetPort(f Field, port uint16) SetField {
	return SetField{Field: f, Value: uint64(port)}
}

// Move copies one header field into another.
type Move struct {
	Src Field
	Dst Field
}

func (a Move) String() string {
	return fmt.Sprintf("move:%s->%s", a.Src.nxmRef(), a.Dst.nxmRef())
}

// PopVLAN strips the outermost VLAN tag.
type PopVLAN struct{}

func (PopVLAN) String() string { return "pop_vlan" }

// Output sends the packet to a port.
type Output struct {
	Port uint32
}

func (a Output) String() string {
	if a.Port == PortInPort {
		return "IN_PORT"
	}
	return "output:" + PortName(a.Port)
}

// Resubmit continues the lookup in another table.
type Resubmit struct {
	Table TableID
}

func (a Resubmit) String() string {
	return fmt.Sprintf("resubmit(,%d)", a.Table)
}

// LearnSpecKind selects whether a learn spec contributes to the learned
// rule's match or to its action list.
type LearnSpecKind uint8

const (
	LearnMatch LearnSpecKind = iota
	LearnLoad
)

// LearnSpec is one field of a learned rule. When Src is set the value is
// copied from the packet that triggered the learn, otherwise Value is used.
type LearnSpec struct {
	Kind  LearnSpecKind
	Dst   Field
	Src   Field
	Value uint64
}

// MatchValue makes the learned rule match Dst against an immediate value.
func MatchValue(dst Field, v uint64) LearnSpec {
	return LearnSpec{Kind: LearnMatch, Dst: dst, Value: v}
}

// MatchField makes the learned rule match Dst against the value Src had in
// the triggering packet.
func MatchField(dst, src Field) LearnSpec {
	return LearnSpec{Kind: LearnMatch, Dst: dst, Src: src}
}

// LoadValue makes the learned rule load an immediate value into Dst.
func LoadValue(dst Field, v uint64) LearnSpec {
	return LearnSpec{Kind: LearnLoad, Dst: dst, Value: v}
}

// LoadField makes the learned rule load the value Src had in the triggering
// packet into Dst.
func LoadField(dst, src Field) LearnSpec {
	return LearnSpec{Kind: LearnLoad, Dst: dst, Src: src}
}

func (s LearnSpec) String() string {
	switch s.Kind {
	case LearnLoad:
		if s.Src != "" {
			return fmt.Sprintf("load:%s->%s", s.Src.nxmRef(), s.Dst.nxmRef())
		}
		return fmt.Sprintf("load:%#x->%s", s.Value, s.Dst.nxmRef())
	default:
		if s.Src != "" {
			return fmt.Sprintf("%s=%s", s.Dst.nxmRef(), s.Src.nxmRef())
		}
		return fmt.Sprintf("%s=%s", s.Dst, s.Dst.formatValue(s.Value))
	}
}

// Learn installs a new rule into Table for every packet that executes it.
// The switch builds the rule from Specs; with DeleteLearned the learned
// rules are removed together with the rule carrying this action.
type Learn struct {
	Table         TableID
	Priority      uint16
	DeleteLearned bool
	Specs         []LearnSpec
}

func (a Learn) String() string {
	parts := []string{
		fmt.Sprintf("table=%d", a.Table),
		fmt.Sprintf("priority=%d", a.Priority),
	}
	if a.DeleteLearned {
		parts = append(parts, "delete_learned")
	}
	for _, spec := range a.Specs {
		parts = append(parts, spec.String())
	}
	return "learn(" + strings.Join(parts, ",") + ")"
}

// Materialize builds the rule the switch learns when pkt executes l.
func Materialize(l Learn, pkt Packet) (Rule, error) {
	rule := Rule{Table: l.Table, Priority: l.Priority}
	for _, spec := range l.Specs {
		v := spec.Value
		if spec.Src != "" {
			observed, err := packetValue(pkt, spec.Src)
			if err != nil {
				return Rule{}, err
			}
			v = observed
		}
		switch spec.Kind {
		case LearnMatch:
			if err := setMatchField(&rule.Match, spec.Dst, v); err != nil {
				return Rule{}, err
			}
		case LearnLoad:
			rule.Actions = append(rule.Actions, SetField{Field: spec.Dst, Value: v})
		default:
			return Rule{}, fmt.Errorf("unknown learn spec kind %d", spec.Kind)
		}
	}
	return rule, nil
}

// PortName renders a port number, using the ovs-ofctl names of reserved ports.
func PortName(port uint32) string {
	switch port {
	case PortInPort:
		return "IN_PORT"
	case PortFlood:
		return "FLOOD"
	case PortController:
		return "CONTROLLER"
	case PortLocal:
		return "LOCAL"
	default:
		return fmt.Sprintf("%d", port)
	}
}

func (SetField) isAction() {}
func (Move) isAction()     {}
func (PopVLAN) isAction()  {}
func (Output) isAction()   {}
func (Resubmit) isAction() {}
func (Learn) isAction()    {}
