package broker

import (
	"net"
	"strings"
)

// DefaultChannelPrefix prefixes per-broker command channels.
const DefaultChannelPrefix = "datasource_commands"

// DefaultDiscoveryChannel carries registration beacons.
const DefaultDiscoveryChannel = "manager_registry"

const fallbackAddress = "127.0.0.1"

// LocalAddress returns the address this host uses for outbound traffic. The
// UDP dial sends no packets; it only asks the kernel to pick a route.
func LocalAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return fallbackAddress
	}
	defer conn.Close() //nolint:errcheck // nothing was sent
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return fallbackAddress
	}
	return addr.IP.String()
}

// CommandChannel names the channel a broker at address listens on.
func CommandChannel(prefix, address string) string {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return prefix + "_" + strings.TrimSpace(address)
}
