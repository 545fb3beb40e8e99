package discovery

import (
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"
)

func TestResponderAnswersMagicProbe(t *testing.T) {
	responder, err := StartResponder(ResponderOptions{Name: "test-device", Port: 41234})
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			t.Skipf("discovery port busy: %v", err)
		}
		t.Fatalf("StartResponder failed: %v", err)
	}
	defer responder.Stop()

	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", "37374"))
	if err != nil {
		t.Fatalf("dial responder failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if _, err := conn.Write([]byte(Magic)); err != nil {
		t.Fatalf("send probe failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buffer := make([]byte, maxDatagram)
	n, err := conn.Read(buffer)
	if err != nil {
		t.Fatalf("read reply failed: %v", err)
	}

	var reply probeReply
	if err := json.Unmarshal(buffer[:n], &reply); err != nil {
		t.Fatalf("parse reply failed: %v", err)
	}
	if reply.Magic != Magic || reply.Name != "test-device" || reply.Port != 41234 {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestResponderIgnoresNonMagicPayload(t *testing.T) {
	responder, err := StartResponder(ResponderOptions{Name: "test-device", Port: 41234})
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			t.Skipf("discovery port busy: %v", err)
		}
		t.Fatalf("StartResponder failed: %v", err)
	}
	defer responder.Stop()

	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", "37374"))
	if err != nil {
		t.Fatalf("dial responder failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if _, err := conn.Write([]byte("SOMETHING_ELSE")); err != nil {
		t.Fatalf("send junk failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buffer := make([]byte, maxDatagram)
	if _, err := conn.Read(buffer); err == nil {
		t.Fatalf("expected no reply for non-magic payload")
	}
}

func TestShouldAnswerDropsPublicSources(t *testing.T) {
	responder := &Responder{}

	tests := []struct {
		address string
		want    bool
	}{
		{address: "192.168.1.4", want: true},
		{address: "10.9.8.7", want: true},
		{address: "127.0.0.1", want: true},
		{address: "203.0.113.9", want: false},
		{address: "169.254.1.1", want: false},
	}
	for _, tt := range tests {
		from := &net.UDPAddr{IP: net.ParseIP(tt.address), Port: 55555}
		if got := responder.shouldAnswer(from); got != tt.want {
			t.Fatalf("shouldAnswer(%s) = %v, want %v", tt.address, got, tt.want)
		}
	}

	open := &Responder{answerAnySource: true}
	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 55555}
	if !open.shouldAnswer(from) {
		t.Fatalf("AnswerAnySource must answer public sources")
	}
}
