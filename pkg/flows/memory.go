package flows

import (
	"fmt"
	"sort"
	"sync"
)

type ruleKey struct {
	table    TableID
	priority uint16
	match    Match
}

type memoryEntry struct {
	rule Rule
	// parent is set on rules created by a learn action with DeleteLearned.
	parent *ruleKey
}

// SentPacket records a packet-out issued through a MemorySwitch.
type SentPacket struct {
	Datapath string
	Port     uint32
	Data     []byte
}

// MemorySwitch keeps flow tables in memory. It backs tests and dry runs,
// and emulates learn actions through Process.
type MemorySwitch struct {
	mu      sync.Mutex
	rules   map[ruleKey]*memoryEntry
	packets []SentPacket
}

// NewMemorySwitch creates an empty in-memory switch.
func NewMemorySwitch() *MemorySwitch {
	return &MemorySwitch{
		rules: make(map[ruleKey]*memoryEntry),
	}
}

// Install adds rule, replacing any rule with the same table, priority and match.
func (s *MemorySwitch) Install(dp *Datapath, rule Rule) error {
	if dp == nil {
		return ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ruleKey{table: rule.Table, priority: rule.Priority, match: rule.Match}
	s.rules[key] = &memoryEntry{rule: rule}
	return nil
}

// Delete removes every rule of the table whose match equals del.Match,
// whatever its priority, along with the rules they learned.
func (s *MemorySwitch) Delete(dp *Datapath, del Deletion) error {
	if dp == nil {
		return ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.rules {
		if key.table == del.Table && key.match == del.Match {
			s.removeLocked(key)
		}
	}
	return nil
}

// DeleteAll empties a table.
func (s *MemorySwitch) DeleteAll(dp *Datapath, table TableID) error {
	if dp == nil {
		return ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.rules {
		if key.table == table {
			s.removeLocked(key)
		}
	}
	return nil
}

// SendPacket records the packet.
func (s *MemorySwitch) SendPacket(dp *Datapath, port uint32, data []byte) error {
	if dp == nil {
		return ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	s.packets = append(s.packets, SentPacket{Datapath: dp.ID, Port: port, Data: buf})
	return nil
}

func (s *MemorySwitch) removeLocked(key ruleKey) {
	if _, ok := s.rules[key]; !ok {
		return
	}
	delete(s.rules, key)

	for child, entry := range s.rules {
		if entry.parent != nil && *entry.parent == key {
			s.removeLocked(child)
		}
	}
}

// Process looks pkt up in table and executes the learn actions of the
// highest-priority matching rule, as the switch does for the first packet
// of a flow. It returns the matching rule.
func (s *MemorySwitch) Process(dp *Datapath, table TableID, pkt Packet) (Rule, bool, error) {
	if dp == nil {
		return Rule{}, false, ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best    *memoryEntry
		bestKey ruleKey
	)
	for key, entry := range s.rules {
		if key.table != table || !key.match.Matches(pkt) {
			continue
		}
		if best == nil || key.priority > bestKey.priority {
			best, bestKey = entry, key
		}
	}
	if best == nil {
		return Rule{}, false, nil
	}

	for _, learn := range best.rule.Learns() {
		learned, err := Materialize(learn, pkt)
		if err != nil {
			return best.rule, true, fmt.Errorf("materialize learned rule: %w", err)
		}
		entry := &memoryEntry{rule: learned}
		if learn.DeleteLearned {
			parent := bestKey
			entry.parent = &parent
		}
		s.rules[ruleKey{table: learned.Table, priority: learned.Priority, match: learned.Match}] = entry
	}

	return best.rule, true, nil
}

// Rules returns the rules of a table, highest priority first.
func (s *MemorySwitch) Rules(table TableID) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rules []Rule
	for key, entry := range s.rules {
		if key.table == table {
			rules = append(rules, entry.rule)
		}
	}
	sortRules(rules)
	return rules
}

// Dump returns every installed rule ordered by table, then priority.
func (s *MemorySwitch) Dump() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := make([]Rule, 0, len(s.rules))
	for _, entry := range s.rules {
		rules = append(rules, entry.rule)
	}
	sortRules(rules)
	return rules
}

// Packets returns the packets sent so far.
func (s *MemorySwitch) Packets() []SentPacket {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SentPacket, len(s.packets))
	copy(out, s.packets)
	return out
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Table != rules[j].Table {
			return rules[i].Table < rules[j].Table
		}
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].String() < rules[j].String()
	})
}
