package device

import (
	"net"

	"github.com/pkg/errors"
)

// An IdentityFunc derives a device's registry key from its address.
type IdentityFunc func(addr net.Addr) string

// HostIdentity keys devices by host, so a device that reconnects keeps its slot.
func HostIdentity(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// AddrIdentity keys devices by host and port.
// Use it when several devices share a host.
func AddrIdentity(addr net.Addr) string {
	return addr.String()
}

// ParseIdentityMode maps "host" or "addr" to an IdentityFunc.
func ParseIdentityMode(mode string) (IdentityFunc, error) {
	switch mode {
	case "", "host":
		return HostIdentity, nil
	case "addr":
		return AddrIdentity, nil
	}
	return nil, errors.Errorf("unknown identity mode %q", mode)
}
