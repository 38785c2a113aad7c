//go:build !linux

package checkquota

import (
	"fmt"
	"net"
)

// interfaceMAC returns the hardware address of an interface.
func interfaceMAC(name string) (net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	return iface.HardwareAddr, nil
}
