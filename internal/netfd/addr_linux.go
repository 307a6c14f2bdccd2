package netfd

import (
	"net"

	"golang.org/x/sys/unix"
)

// SockaddrToAddr converts a raw accept(2) peer address into a net.Addr,
// the same translation evio's internal package performs before handing
// a connection's RemoteAddr to user code.
func SockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := append(net.IP(nil), sa.Addr[:]...)
		var zone string
		if sa.ZoneId != 0 {
			if iface, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				zone = iface.Name
			}
		}
		return &net.TCPAddr{IP: ip, Port: sa.Port, Zone: zone}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: "unix"}
	default:
		return nil
	}
}
