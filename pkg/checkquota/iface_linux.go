//go:build linux

package checkquota

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// interfaceMAC returns the hardware address of a link.
func interfaceMAC(name string) (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	return link.Attrs().HardwareAddr, nil
}
