package discovery

import (
	"net"
	"sort"
	"strings"
)

// NormalizeIPv4 canonicalizes a discovered address string to a dotted
// quad: IPv4-mapped IPv6 forms lose their ::ffff: prefix and zone
// suffixes after % are stripped. Non-IPv4 addresses report false.
func NormalizeIPv4(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if i := strings.IndexByte(trimmed, '%'); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.TrimPrefix(trimmed, "::ffff:")

	ip := net.ParseIP(trimmed)
	if ip == nil {
		return "", false
	}
	ipv4 := ip.To4()
	if ipv4 == nil {
		return "", false
	}
	return ipv4.String(), true
}

// isPrivateIPv4 reports membership in the RFC1918 ranges.
func isPrivateIPv4(ip net.IP) bool {
	ipv4 := ip.To4()
	if ipv4 == nil {
		return false
	}
	switch {
	case ipv4[0] == 10:
		return true
	case ipv4[0] == 172 && ipv4[1] >= 16 && ipv4[1] <= 31:
		return true
	case ipv4[0] == 192 && ipv4[1] == 168:
		return true
	}
	return false
}

// keepAddress applies the configured address filter to one normalized IPv4.
func keepAddress(address string, options Options) bool {
	ip := net.ParseIP(address)
	if ip == nil || ip.To4() == nil {
		return false
	}

	if ip.IsLoopback() {
		return options.IncludeLoopback
	}
	if !options.LANOnly() {
		return true
	}
	if ip.IsLinkLocalUnicast() {
		return false
	}
	return isPrivateIPv4(ip)
}

// localIPv4Set enumerates the local interface IPv4 addresses for self-filtering.
func localIPv4Set() map[string]struct{} {
	set := map[string]struct{}{
		"127.0.0.1": {},
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return set
	}
	for _, addr := range addrs {
		var ip net.IP
		switch value := addr.(type) {
		case *net.IPNet:
			ip = value.IP
		case *net.IPAddr:
			ip = value.IP
		}
		if ip == nil {
			continue
		}
		if ipv4 := ip.To4(); ipv4 != nil {
			set[ipv4.String()] = struct{}{}
		}
	}
	return set
}

// isSelf reports whether a device resolves to one of the local addresses.
func isSelf(device Device, local map[string]struct{}) bool {
	if _, ok := local[device.Host]; ok {
		return true
	}
	for _, address := range device.Addresses {
		if _, ok := local[address]; ok {
			return true
		}
	}
	return false
}

// normalizeDevice rewrites a device's host and address list to filtered,
// de-duplicated dotted quads. Devices left without a usable host are dropped.
func normalizeDevice(device Device, options Options) (Device, bool) {
	seen := make(map[string]struct{})
	addresses := make([]string, 0, len(device.Addresses)+1)

	for _, raw := range append([]string{device.Host}, device.Addresses...) {
		normalized, ok := NormalizeIPv4(raw)
		if !ok || !keepAddress(normalized, options) {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		addresses = append(addresses, normalized)
	}

	if len(addresses) == 0 {
		return Device{}, false
	}
	sort.Strings(addresses)

	host := addresses[0]
	if normalized, ok := NormalizeIPv4(device.Host); ok {
		if _, kept := seen[normalized]; kept {
			host = normalized
		}
	}
	device.Host = host
	device.Addresses = addresses
	return device, true
}
