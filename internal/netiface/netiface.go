// Package netiface enumerates local network interfaces for the optional
// "bind to interface" mode. Interface enumeration is genuinely
// platform-uniform in the Go standard library, so this is a thin wrapper
// rather than a third-party abstraction (see DESIGN.md).
package netiface

import "net"

// Interface describes one local network interface and one of its
// addresses, suitable for a "bind to interface" selection menu.
type Interface struct {
	Name string
	Addr string
}

// List returns one entry per (interface, address) pair on the host,
// skipping interfaces that are down or have no addresses.
func List() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			out = append(out, Interface{Name: iface.Name, Addr: a.String()})
		}
	}
	return out, nil
}
