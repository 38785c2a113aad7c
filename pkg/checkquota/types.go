package checkquota

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"

	"github.com/codelaboratoryltd/checkquota/pkg/flows"
)

// UpdateType is the quota decision carried by a QuotaUpdate.
type UpdateType int

const (
	UpdateValidQuota UpdateType = iota
	UpdateNoQuota
	UpdateTerminate
)

// updateUnknown is what unrecognized names decode to; updates carrying it
// are dropped.
const updateUnknown UpdateType = -1

func (t UpdateType) String() string {
	switch t {
	case UpdateValidQuota:
		return "VALID_QUOTA"
	case UpdateNoQuota:
		return "NO_QUOTA"
	case UpdateTerminate:
		return "TERMINATE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t UpdateType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names are not
// an error; they decode to a type that ApplyQuotaUpdates ignores.
func (t *UpdateType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "VALID_QUOTA":
		*t = UpdateValidQuota
	case "NO_QUOTA":
		*t = UpdateNoQuota
	case "TERMINATE":
		*t = UpdateTerminate
	default:
		*t = updateUnknown
	}
	return nil
}

// UnmarshalJSON accepts the numeric enum values as well as their names.
func (t *UpdateType) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		switch UpdateType(n) {
		case UpdateValidQuota, UpdateNoQuota, UpdateTerminate:
			*t = UpdateType(n)
		default:
			*t = updateUnknown
		}
		return nil
	}

	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("invalid update type %s", data)
	}
	return t.UnmarshalText([]byte(name))
}

// QuotaUpdate is one quota decision for a subscriber.
type QuotaUpdate struct {
	IMSI string     `json:"imsi"`
	MAC  string     `json:"mac_addr,omitempty"`
	Type UpdateType `json:"update_type"`
}

// ActivateRequest is a pending policy activation carried by a setup
// snapshot. It is accepted for completeness; this app installs no policy.
type ActivateRequest struct {
	IMSI     string   `json:"imsi"`
	RuleIDs  []string `json:"rule_ids,omitempty"`
	IPv4Addr string   `json:"ip_addr,omitempty"`
}

// SetupRequest is the snapshot replayed after a controller restart.
type SetupRequest struct {
	Requests     []ActivateRequest `json:"requests,omitempty"`
	QuotaUpdates []QuotaUpdate     `json:"quota_updates"`
	StartupFlows []flows.Rule      `json:"-"`
}

// SetupResult reports the outcome of Setup.
type SetupResult int

const (
	SetupSuccess SetupResult = iota
	SetupFailure
)

func (r SetupResult) String() string {
	switch r {
	case SetupSuccess:
		return "SUCCESS"
	case SetupFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("SetupResult(%d)", int(r))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r SetupResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Subscriber is a snapshot of one redirected subscriber.
type Subscriber struct {
	IMSI        string     `json:"imsi"`
	FakeIP      netip.Addr `json:"fake_ip"`
	DeviceMAC   string     `json:"device_mac,omitempty"`
	HasQuota    bool       `json:"has_quota"`
	Installed   bool       `json:"installed"`
	ResolvedMAC string     `json:"resolved_mac,omitempty"`
}

// Directory looks up subscriber records.
type Directory interface {
	Lookup(ctx context.Context, imsi, field string) (string, error)
}

// ARPResponder answers ARP for virtual addresses.
type ARPResponder interface {
	BindVirtualAddress(dp *flows.Datapath, ip netip.Addr, mac net.HardwareAddr) error
}

// TableAllocator assigns flow tables to pipeline apps.
type TableAllocator interface {
	TableNum(app string) (flows.TableID, error)
	NextTableNum(app string) (flows.TableID, error)
	AllocateScratchTables(app string, n int) ([]flows.TableID, error)
}
