package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

const (
	// DiscoveryPort is the UDP broadcast discovery port.
	DiscoveryPort = 37374
	// Magic is the exact probe payload and the reply marker.
	Magic = "LOCAL_SENT_DISCOVER_V1"
	// maxDatagram bounds probe and reply datagrams.
	maxDatagram = 2048
)

// probeReply is the one-line JSON a responder answers a probe with.
type probeReply struct {
	Magic string `json:"magic"`
	Name  string `json:"name"`
	Port  int    `json:"port"`
}

// Responder answers UDP broadcast probes with the local service endpoint.
type Responder struct {
	conn net.PacketConn
	name string
	port int

	// answerAnySource disables the RFC1918 source check, for test rigs
	// and deliberately open networks.
	answerAnySource bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ResponderOptions configures a UDP discovery responder.
type ResponderOptions struct {
	Name string
	Port int
	// AnswerAnySource answers probes from any source address instead of
	// only private-range and loopback peers.
	AnswerAnySource bool
}

// StartResponder binds UDP DiscoveryPort in reuse-address mode and
// answers probes carrying the magic payload.
func StartResponder(options ResponderOptions) (*Responder, error) {
	if options.Name == "" {
		return nil, errors.New("discovery: responder name is required")
	}
	if options.Port <= 0 {
		return nil, errors.New("discovery: responder port must be > 0")
	}

	listenConfig := net.ListenConfig{Control: reuseAddrControl}
	conn, err := listenConfig.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", DiscoveryPort))
	if err != nil {
		return nil, fmt.Errorf("bind udp discovery port %d: %w", DiscoveryPort, err)
	}

	responder := &Responder{
		conn:            conn,
		name:            options.Name,
		port:            options.Port,
		answerAnySource: options.AnswerAnySource,
	}
	responder.wg.Add(1)
	go responder.serve()
	return responder, nil
}

// Stop closes the responder socket.
func (r *Responder) Stop() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		_ = r.conn.Close()
		r.wg.Wait()
	})
}

func (r *Responder) serve() {
	defer r.wg.Done()

	buffer := make([]byte, maxDatagram)
	for {
		n, from, err := r.conn.ReadFrom(buffer)
		if err != nil {
			return
		}
		if string(buffer[:n]) != Magic {
			continue
		}
		if !r.shouldAnswer(from) {
			continue
		}

		reply, err := json.Marshal(probeReply{Magic: Magic, Name: r.name, Port: r.port})
		if err != nil {
			continue
		}
		_, _ = r.conn.WriteTo(reply, from)
	}
}

// shouldAnswer drops probes from outside the private ranges unless the
// responder was opened to any source. Loopback peers always qualify.
func (r *Responder) shouldAnswer(from net.Addr) bool {
	if r.answerAnySource {
		return true
	}
	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	if udpAddr.IP.IsLoopback() {
		return true
	}
	return isPrivateIPv4(udpAddr.IP)
}

// probeBroadcast sends the magic to the IPv4 broadcast address and
// collects replies until the deadline.
func probeBroadcast(ctx context.Context, timeout time.Duration) ([]Device, error) {
	listenConfig := net.ListenConfig{Control: broadcastControl}
	conn, err := listenConfig.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open udp probe socket: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	target := &net.UDPAddr{IP: net.IPv4bcast, Port: DiscoveryPort}
	if _, err := conn.WriteTo([]byte(Magic), target); err != nil {
		return nil, fmt.Errorf("send discovery broadcast: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set probe deadline: %w", err)
	}

	devices := make([]Device, 0, 4)
	buffer := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return devices, nil
			}
			if errors.Is(err, net.ErrClosed) {
				return devices, nil
			}
			return devices, fmt.Errorf("read discovery reply: %w", err)
		}

		var reply probeReply
		if err := json.Unmarshal(buffer[:n], &reply); err != nil {
			continue
		}
		if reply.Magic != Magic || reply.Port <= 0 {
			continue
		}

		host := ""
		if udpAddr, ok := from.(*net.UDPAddr); ok {
			host = udpAddr.IP.String()
		}
		if host == "" {
			continue
		}

		devices = append(devices, Device{
			Name:      reply.Name,
			Host:      host,
			Port:      reply.Port,
			Addresses: []string{host},
		})
	}
}

func reuseAddrControl(network, address string, raw syscall.RawConn) error {
	var sockErr error
	controlErr := raw.Control(func(fd uintptr) {
		sockErr = setReuseAddr(fd)
	})
	if controlErr != nil {
		return controlErr
	}
	return sockErr
}

func broadcastControl(network, address string, raw syscall.RawConn) error {
	var sockErr error
	controlErr := raw.Control(func(fd uintptr) {
		sockErr = setBroadcast(fd)
	})
	if controlErr != nil {
		return controlErr
	}
	return sockErr
}
