package checkquota

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/codelaboratoryltd/checkquota/pkg/fakeip"
)

// ErrNoBridgeMAC is returned when the bridge MAC address cannot be resolved.
var ErrNoBridgeMAC = errors.New("bridge MAC address not available")

// Config contains check-quota configuration.
type Config struct {
	// BridgeName is the switch bridge interface. Its MAC address is used as
	// the destination of redirected traffic unless BridgeMAC is set.
	BridgeName string

	// BridgeIP is the address of the bridge's local port.
	BridgeIP netip.Addr

	// BridgeMAC overrides the MAC address read from BridgeName.
	BridgeMAC net.HardwareAddr

	// QuotaCheckIP is the well-known address subscribers contact.
	QuotaCheckIP netip.Addr

	// HasQuotaPort and NoQuotaPort are the backend ports behind the bridge.
	HasQuotaPort uint16
	NoQuotaPort  uint16

	// FakeIPNetwork is the private network virtual addresses are drawn from.
	FakeIPNetwork netip.Prefix

	// CleanRestart drops subscribers missing from the setup snapshot.
	CleanRestart bool

	// MACRetries is the number of directory lookups per MAC resolution.
	MACRetries int

	// MACRetryInterval is the pause between two lookups.
	MACRetryInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BridgeName:       "cwag_br0",
		BridgeIP:         netip.MustParseAddr("192.168.128.1"),
		QuotaCheckIP:     netip.MustParseAddr("1.2.3.4"),
		HasQuotaPort:     8080,
		NoQuotaPort:      8081,
		FakeIPNetwork:    fakeip.DefaultPrefix,
		MACRetries:       10,
		MACRetryInterval: 100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.BridgeIP.Is4() {
		return fmt.Errorf("bridge IP must be IPv4, got %q", c.BridgeIP)
	}
	if !c.QuotaCheckIP.Is4() {
		return fmt.Errorf("quota check IP must be IPv4, got %q", c.QuotaCheckIP)
	}
	if c.BridgeIP == c.QuotaCheckIP {
		return fmt.Errorf("bridge IP and quota check IP are both %s", c.BridgeIP)
	}
	if c.HasQuotaPort == 0 || c.NoQuotaPort == 0 {
		return fmt.Errorf("backend ports must be set")
	}
	if !c.FakeIPNetwork.IsValid() {
		return fmt.Errorf("fake IP network not set")
	}
	if c.MACRetries < 1 {
		return fmt.Errorf("MAC retries must be at least 1, got %d", c.MACRetries)
	}
	if c.MACRetryInterval < 0 {
		return fmt.Errorf("MAC retry interval must not be negative")
	}
	if c.BridgeMAC == nil && c.BridgeName == "" {
		return fmt.Errorf("%w: no bridge name", ErrNoBridgeMAC)
	}
	return nil
}

// resolveBridgeMAC fills in BridgeMAC from the bridge interface.
func (c *Config) resolveBridgeMAC() error {
	if len(c.BridgeMAC) > 0 {
		return nil
	}

	mac, err := interfaceMAC(c.BridgeName)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoBridgeMAC, c.BridgeName, err)
	}
	if len(mac) == 0 {
		return fmt.Errorf("%w: %s has no hardware address", ErrNoBridgeMAC, c.BridgeName)
	}
	c.BridgeMAC = mac
	return nil
}
