package lockservice

import (
	"net"
	"os"
	"sync"
)

var (
	hostOnce sync.Once
	hostName string
	hostAddr string
)

// DefaultHolder identifies this process as "hostname#description (ip)".
// The description part is omitted when empty. The host lookup runs once, so
// the value is stable for the lifetime of the process.
func DefaultHolder(description string) string {
	hostOnce.Do(func() {
		hostName, hostAddr = lookupHost()
	})
	return FormatHolder(hostName, description, hostAddr)
}

// ResolveHolder returns explicit when set, otherwise DefaultHolder(description).
func ResolveHolder(explicit, description string) string {
	if explicit != "" {
		return explicit
	}
	return DefaultHolder(description)
}

func FormatHolder(host, description, addr string) string {
	holder := host
	if description != "" {
		holder += "#" + description
	}
	if addr != "" {
		holder += " (" + addr + ")"
	}
	return holder
}

func lookupHost() (string, string) {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "unknown"
	}
	return name, firstAddress()
}

// firstAddress returns the first non-loopback IPv4 address, falling back to
// any non-loopback address.
func firstAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	var fallback string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
		if fallback == "" {
			fallback = ipNet.IP.String()
		}
	}
	return fallback
}
