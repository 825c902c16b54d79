// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// AddrPort builds a netip.AddrPort from a textual IP and a port number.
func AddrPort(ip string, port int) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address %q: %w", ip, err)
	}
	if port < 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("invalid port %d", port)
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

// HostPort renders ip:port with IPv6 bracketing.
func HostPort(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// TCPAddrParts extracts the IP and port of a TCP address, falling back
// to the textual form for other concrete types.
func TCPAddrParts(a net.Addr) (net.IP, uint16) {
	if t, ok := a.(*net.TCPAddr); ok {
		return t.IP, uint16(t.Port)
	}
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return nil, 0
	}
	port, _ := strconv.Atoi(portStr)
	return net.ParseIP(host), uint16(port)
}

// ParseMAC parses a textual MAC address into raw bytes.
func ParseMAC(macStr string) ([]byte, error) {
	hw, err := net.ParseMAC(macStr)
	if err != nil {
		return nil, err
	}
	return hw, nil
}

// FormatMAC renders a 6-byte MAC address in colon notation.
func FormatMAC(mac []byte) string {
	if len(mac) != 6 {
		return ""
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// Synthetic MAC addresses used when fabricating link-layer frames for
// capture output. The proxy never sees real hardware addresses, so both
// sides get fixed locally-administered placeholders: the client side is
// all 0x11, the server side all 0x22.
var (
	ClientMAC = net.HardwareAddr{0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
	ServerMAC = net.HardwareAddr{0x22, 0x22, 0x22, 0x22, 0x22, 0x22}
)
