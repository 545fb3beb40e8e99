// Package discovery locates local-sent receivers on the local network
// over two channels at once: mDNS service browse and a UDP broadcast
// probe. Results are merged by endpoint, normalized to IPv4, filtered
// to LAN ranges by default, and stripped of the local machine itself.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Device is one discovered receive endpoint.
type Device struct {
	Name      string   `json:"name"`
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Addresses []string `json:"addresses"`
}

// Options controls result filtering for one discovery scan.
type Options struct {
	// IncludeSelf keeps devices whose addresses match a local interface.
	IncludeSelf bool
	// IncludeLoopback keeps 127/8 addresses.
	IncludeLoopback bool
	// AllIPv4 disables the default LAN-only filter that keeps RFC1918
	// ranges and drops link-local addresses.
	AllIPv4 bool

	browseFn browseFunc
	probeFn  func(ctx context.Context, timeout time.Duration) ([]Device, error)
}

// LANOnly reports whether the RFC1918 filter applies.
func (o Options) LANOnly() bool {
	return !o.AllIPv4
}

// Discover runs mDNS browse and the UDP broadcast probe in parallel for
// the given window and returns the merged, filtered device list.
func Discover(ctx context.Context, timeout time.Duration, options Options) ([]Device, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	probe := options.probeFn
	if probe == nil {
		probe = probeBroadcast
	}

	var (
		wg          sync.WaitGroup
		mdnsDevices []Device
		udpDevices  []Device
		mdnsErr     error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		mdnsDevices, mdnsErr = browseMDNS(ctx, timeout, options.browseFn)
	}()
	go func() {
		defer wg.Done()
		// Probe failures leave the mDNS channel as the sole source.
		udpDevices, _ = probe(ctx, timeout)
	}()
	wg.Wait()

	if mdnsErr != nil && len(udpDevices) == 0 {
		return nil, mdnsErr
	}

	merged := MergeDevices(append(mdnsDevices, udpDevices...))
	return FilterDevices(merged, options), nil
}

// MergeDevices unions device lists keyed by host:port, combining names
// and address lists.
func MergeDevices(devices []Device) []Device {
	type key struct {
		host string
		port int
	}

	order := make([]key, 0, len(devices))
	byEndpoint := make(map[key]Device, len(devices))

	for _, device := range devices {
		k := key{host: device.Host, port: device.Port}
		existing, seen := byEndpoint[k]
		if !seen {
			byEndpoint[k] = device
			order = append(order, k)
			continue
		}

		if existing.Name == "" {
			existing.Name = device.Name
		}
		existing.Addresses = unionAddresses(existing.Addresses, device.Addresses)
		byEndpoint[k] = existing
	}

	merged := make([]Device, 0, len(order))
	for _, k := range order {
		merged = append(merged, byEndpoint[k])
	}
	return merged
}

func unionAddresses(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, address := range append(append([]string{}, a...), b...) {
		if _, exists := seen[address]; exists {
			continue
		}
		seen[address] = struct{}{}
		out = append(out, address)
	}
	return out
}

// FilterDevices normalizes addresses, applies the LAN filter, and
// removes the local machine unless IncludeSelf is set.
func FilterDevices(devices []Device, options Options) []Device {
	local := localIPv4Set()

	normalized := make([]Device, 0, len(devices))
	for _, device := range devices {
		device, ok := normalizeDevice(device, options)
		if !ok {
			continue
		}
		normalized = append(normalized, device)
	}

	// Normalization can collapse distinct spellings of one endpoint.
	filtered := make([]Device, 0, len(normalized))
	for _, device := range MergeDevices(normalized) {
		if !options.IncludeSelf && isSelf(device, local) {
			continue
		}
		filtered = append(filtered, device)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Name == filtered[j].Name {
			if filtered[i].Host == filtered[j].Host {
				return filtered[i].Port < filtered[j].Port
			}
			return filtered[i].Host < filtered[j].Host
		}
		return filtered[i].Name < filtered[j].Name
	})
	return filtered
}
