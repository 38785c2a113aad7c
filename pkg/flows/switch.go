package flows

import (
	"errors"

	"github.com/google/uuid"
)

// ErrNotConnected is returned when a switch operation is attempted without
// a live datapath.
var ErrNotConnected = errors.New("datapath not connected")

// Datapath is the handle of one control-channel session with a switch.
// A new handle is issued on every connect and becomes invalid on disconnect.
type Datapath struct {
	ID     string
	Bridge string
}

// NewDatapath issues a handle for a new session with bridge.
func NewDatapath(bridge string) *Datapath {
	return &Datapath{
		ID:     uuid.NewString(),
		Bridge: bridge,
	}
}

// Switch is the flow-table layer. Calls are synchronous; Install replaces a
// rule with the same table, priority and match.
type Switch interface {
	Install(dp *Datapath, rule Rule) error
	Delete(dp *Datapath, del Deletion) error
	DeleteAll(dp *Datapath, table TableID) error
	SendPacket(dp *Datapath, port uint32, data []byte) error
}
