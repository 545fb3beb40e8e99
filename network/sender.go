package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/wxl482/local-sent/trust"
)

const (
	// payloadBufferSize is the streaming copy buffer.
	payloadBufferSize = 32 * 1024
	// DefaultDialTimeout bounds the TCP connect and, separately, the TLS
	// handshake.
	DefaultDialTimeout = 30 * time.Second
)

// TLSClientConfig selects transport security for an outbound batch.
type TLSClientConfig struct {
	Enabled bool
	// CAPath adds a PEM bundle to the verification roots.
	CAPath string
	// Insecure skips chain validation entirely, for self-signed testing.
	Insecure bool
	// Fingerprint pins the expected server certificate SHA-256.
	Fingerprint string
	// TrustOnFirstUse records the server fingerprint on first contact.
	TrustOnFirstUse bool
	// KnownHostsPath overrides the TOFU store location.
	KnownHostsPath string
}

// SendRequest describes one sequential batch of entries for a single receiver.
type SendRequest struct {
	Entries  []TransferEntry
	Host     string
	Port     int
	PairCode string
	TLS      TLSClientConfig

	// Progress receives formatted transfer progress lines.
	Progress ProgressFunc
	// Logf receives terminal outcome lines; nil silences them.
	Logf func(format string, args ...any)

	// DialTimeout bounds connect and handshake per entry.
	DialTimeout time.Duration
}

// EntryResult pairs a sent entry with the receiver's ack.
type EntryResult struct {
	Entry TransferEntry
	Ack   Ack
}

// SendResult summarizes a completed batch.
type SendResult struct {
	FileCount    int
	TotalBytes   int64
	ResumedBytes int64
	Results      []EntryResult
}

// SendEntries processes a batch sequentially: one connection per entry,
// chaining each ack's next_pair_code into the following header. The
// batch aborts at the first failed entry.
func SendEntries(ctx context.Context, request SendRequest) (*SendResult, error) {
	if len(request.Entries) == 0 {
		return nil, errors.New("no entries to send")
	}
	if request.Host == "" {
		return nil, errors.New("host is required")
	}
	if request.Port <= 0 || request.Port > 65535 {
		return nil, errors.New("port must be in 1-65535")
	}
	if err := request.TLS.trustConfig(request.Logf).Validate(); err != nil {
		return nil, err
	}

	result := &SendResult{}
	pairCode := request.PairCode

	for _, entry := range request.Entries {
		ack, err := sendOne(ctx, request, entry, pairCode)
		if err != nil {
			err = markResumable(err)
			if request.Logf != nil {
				request.Logf("[error] %v", err)
			}
			return nil, fmt.Errorf("send %q: %w", entry.RelativePath, err)
		}

		result.FileCount++
		result.TotalBytes += entry.Size
		result.ResumedBytes += ack.ResumedFrom
		result.Results = append(result.Results, EntryResult{Entry: entry, Ack: ack})

		if ack.NextPairCode != "" {
			pairCode = ack.NextPairCode
		}
	}

	if request.Logf != nil {
		request.Logf("[send] done: files=%d bytes=%d resumed=%d",
			result.FileCount, result.TotalBytes, result.ResumedBytes)
	}
	return result, nil
}

func sendOne(ctx context.Context, request SendRequest, entry TransferEntry, pairCode string) (Ack, error) {
	info, err := os.Stat(entry.SourcePath)
	if err != nil {
		return Ack{}, fmt.Errorf("stat source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Ack{}, fmt.Errorf("source %q is not a regular file", entry.SourcePath)
	}
	fileSize := info.Size()

	digest, err := FileSHA256(entry.SourcePath)
	if err != nil {
		return Ack{}, err
	}

	conn, err := dialTransfer(ctx, request)
	if err != nil {
		return Ack{}, err
	}
	defer func() {
		_ = conn.Close()
	}()

	header := Header{
		Type:         TypeHeader,
		Version:      ProtocolVersion,
		RelativePath: entry.RelativePath,
		FileSize:     fileSize,
		SHA256Hex:    digest,
		PairCode:     pairCode,
	}
	if err := WriteRecord(conn, header); err != nil {
		return Ack{}, err
	}

	lines := NewLineReader(conn)

	var ready Ready
	if err := lines.DecodeRecord("ready", &ready); err != nil {
		return Ack{}, err
	}
	if ready.Type != TypeReady {
		return Ack{}, fmt.Errorf("expected %q record, got %q", TypeReady, ready.Type)
	}
	if !ready.OK {
		return Ack{}, fmt.Errorf("receiver rejected transfer: %s", ready.Message)
	}
	if ready.Offset < 0 || ready.Offset > fileSize {
		return Ack{}, fmt.Errorf("receiver requested invalid offset %d for size %d", ready.Offset, fileSize)
	}

	if ready.Offset < fileSize {
		if err := streamPayload(conn, entry, fileSize, ready.Offset, request.Progress); err != nil {
			return Ack{}, err
		}
	}
	if err := halfCloseWrite(conn); err != nil {
		return Ack{}, fmt.Errorf("half-close connection: %w", err)
	}

	var ack Ack
	if err := lines.DecodeRecord("ack", &ack); err != nil {
		return Ack{}, err
	}
	if ack.Type != TypeAck {
		return Ack{}, fmt.Errorf("expected %q record, got %q", TypeAck, ack.Type)
	}
	if !ack.OK {
		return Ack{}, fmt.Errorf("receiver reported failure: %s", ack.Message)
	}
	return ack, nil
}

func streamPayload(conn net.Conn, entry TransferEntry, fileSize, offset int64, progress ProgressFunc) error {
	file, err := os.Open(entry.SourcePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to resume offset %d: %w", offset, err)
	}

	meter := newProgressMeter("send", entry.RelativePath, fileSize, progress)
	meter.done = offset

	buffer := make([]byte, payloadBufferSize)
	remaining := fileSize - offset
	for remaining > 0 {
		chunk := buffer
		if remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		n, err := file.Read(chunk)
		if n > 0 {
			if _, err := conn.Write(chunk[:n]); err != nil {
				return fmt.Errorf("write payload: %w", err)
			}
			remaining -= int64(n)
			meter.add(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("source file shrank while sending: %d bytes short", remaining)
			}
			return fmt.Errorf("read source file: %w", err)
		}
	}

	meter.finish()
	return nil
}

func dialTransfer(ctx context.Context, request SendRequest) (net.Conn, error) {
	timeout := request.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	address := net.JoinHostPort(request.Host, fmt.Sprintf("%d", request.Port))
	dialer := net.Dialer{Timeout: timeout}

	if !request.TLS.Enabled {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("dial %q: %w", address, err)
		}
		return conn, nil
	}

	tlsConfig, err := request.TLS.clientConfig(request.Host)
	if err != nil {
		return nil, err
	}

	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	tlsConn := tls.Client(rawConn, tlsConfig)
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("TLS handshake with %q: %w", address, err)
	}

	trustConfig := request.TLS.trustConfig(request.Logf)
	if trustConfig.Enabled() {
		endpoint := trust.EndpointKey(request.Host, request.Port)
		if err := trust.Verify(endpoint, tlsConn.ConnectionState(), trustConfig); err != nil {
			_ = tlsConn.Close()
			return nil, err
		}
	}
	return tlsConn, nil
}

func (c TLSClientConfig) trustConfig(logf func(string, ...any)) trust.Config {
	return trust.Config{
		Fingerprint:     c.Fingerprint,
		TrustOnFirstUse: c.TrustOnFirstUse,
		KnownHostsPath:  c.KnownHostsPath,
		Logf:            logf,
	}
}

func (c TLSClientConfig) clientConfig(host string) (*tls.Config, error) {
	config := &tls.Config{ServerName: host}

	if c.CAPath != "" {
		pem, err := os.ReadFile(c.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA bundle %q", c.CAPath)
		}
		config.RootCAs = pool
	}

	// Pinning replaces chain validation; insecure mode skips it outright.
	if c.Insecure || c.Fingerprint != "" || c.TrustOnFirstUse {
		config.InsecureSkipVerify = true
	}
	return config, nil
}

func halfCloseWrite(conn net.Conn) error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}
