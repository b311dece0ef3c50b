// Package hostiface collects the two pieces of host information the
// service builder needs but that mdnssd itself has no business deciding:
// the local hostname, and the set of addresses bound to local network
// interfaces.
package hostiface

import (
	"net"
	"os"
)

// InterfaceAddr is one address bound to a local network interface.
type InterfaceAddr struct {
	Address  net.IP
	Family   string // "IPv4" or "IPv6"
	MAC      string
	Internal bool
}

// Hostname returns the process's configured hostname.
func Hostname() (string, error) {
	return os.Hostname()
}

// zeroMAC is the placeholder hardware address carried by virtual
// interfaces (tunnels, loopback) that the service builder filters out.
const zeroMAC = "00:00:00:00:00:00"

// LocalInterfaces enumerates every address bound to a local network
// interface, in the order net.Interfaces() reports them. Internal is true
// for loopback interfaces; callers that need the Service builder's filter
// rule (skip internal, skip zero-MAC) should use ZeroMAC or filter
// explicitly.
func LocalInterfaces() ([]InterfaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []InterfaceAddr

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		mac := iface.HardwareAddr.String()
		if mac == "" {
			mac = zeroMAC
		}

		internal := iface.Flags&net.FlagLoopback != 0

		for _, addr := range addrs {
			ip := addrIP(addr)
			if ip == nil {
				continue
			}

			family := "IPv4"
			if ip.To4() == nil {
				family = "IPv6"
			}

			out = append(out, InterfaceAddr{
				Address:  ip,
				Family:   family,
				MAC:      mac,
				Internal: internal,
			})
		}
	}

	return out, nil
}

// ZeroMAC is the placeholder hardware address the service builder skips,
// per the spec's interface-filter rule.
const ZeroMAC = zeroMAC

func addrIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}
