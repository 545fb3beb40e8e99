package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service name without domain suffix.
	ServiceType = "_localsent._tcp"
	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."
	// DefaultTimeout bounds one discovery scan.
	DefaultTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Advertiser publishes the local receive endpoint via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// AdvertiserOptions configures an mDNS advertisement.
type AdvertiserOptions struct {
	Name string
	Port int

	registerFn registerFunc
}

// StartAdvertiser registers the _localsent._tcp record.
func StartAdvertiser(options AdvertiserOptions) (*Advertiser, error) {
	if options.Name == "" {
		return nil, errors.New("discovery: advertiser name is required")
	}
	if options.Port <= 0 {
		return nil, errors.New("discovery: advertiser port must be > 0")
	}

	register := options.registerFn
	if register == nil {
		register = zeroconf.Register
	}

	server, err := register(options.Name, ServiceType, ServiceDomain, options.Port, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the mDNS record.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// browseMDNS runs one mDNS browse window and collects raw devices.
func browseMDNS(ctx context.Context, timeout time.Duration, browse browseFunc) ([]Device, error) {
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	devices := make([]Device, 0, 8)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				if device, ok := entryToDevice(entry); ok {
					devices = append(devices, device)
				}
			}
		}
	}()

	if err := browse(scanCtx, ServiceType, ServiceDomain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("mDNS browse: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone
	return devices, nil
}

func entryToDevice(entry *zeroconf.ServiceEntry) (Device, bool) {
	if entry.Port <= 0 {
		return Device{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	if len(addresses) == 0 {
		return Device{}, false
	}

	name := entry.Instance
	if name == "" {
		name = entry.HostName
	}

	return Device{
		Name:      name,
		Host:      addresses[0],
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}
