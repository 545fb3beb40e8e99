package network

import (
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wxl482/local-sent/discovery"
	"github.com/wxl482/local-sent/pairing"
	"github.com/wxl482/local-sent/storage"
)

const (
	// ShutdownGrace is how long Stop waits for in-flight sessions before
	// forcibly closing their connections.
	ShutdownGrace = 2 * time.Second
)

// ConfirmRequest describes an inbound transfer awaiting approval.
type ConfirmRequest struct {
	From         string
	RelativePath string
	FileSize     int64
}

// ConfirmDecision is the approval verdict for one inbound transfer.
type ConfirmDecision struct {
	Accept  bool
	Message string
}

// ConfirmFunc gates inbound transfers between header validation and
// ready emission. A nil hook auto-accepts.
type ConfirmFunc func(request ConfirmRequest) ConfirmDecision

// ReceiverTLSConfig enables TLS on the transfer listener.
type ReceiverTLSConfig struct {
	CertPath string
	KeyPath  string
}

// ReceiverConfig configures a receive endpoint.
type ReceiverConfig struct {
	Port        int
	OutputDir   string
	ServiceName string

	PairCode          string
	RotatePerTransfer bool
	PairTTL           time.Duration
	GeneratePairCode  pairing.GenerateFunc
	OnPairCodeChange  func(code string)

	ConfirmTransfer ConfirmFunc
	TLS             *ReceiverTLSConfig

	Progress ProgressFunc
	Logf     func(format string, args ...any)

	// DisableDiscovery skips mDNS advertisement and the UDP responder,
	// for fixed-address use and tests.
	DisableDiscovery bool

	// Store records finished transfers; nil disables history.
	Store *storage.Store
}

// Receiver accepts transfer sessions until stopped.
type Receiver struct {
	config   ReceiverConfig
	listener net.Listener
	pairing  *pairing.State

	advertiser *discovery.Advertiser
	responder  *discovery.Responder

	sessionMu sync.Mutex
	sessions  map[string]net.Conn

	wg       sync.WaitGroup
	closed   chan struct{}
	stopOnce sync.Once
}

// receiveSession is the per-connection state of one inbound transfer.
type receiveSession struct {
	id         string
	remoteAddr string
	header     Header

	finalPath string
	tempPath  string

	offset   int64
	received int64
	hasher   hash.Hash

	startedAt time.Time
}

// StartReceiver binds the transfer listener, starts pairing rotation,
// and (unless disabled) announces the endpoint over mDNS and UDP.
func StartReceiver(config ReceiverConfig) (*Receiver, error) {
	if config.Port < 0 || config.Port > 65535 {
		return nil, errors.New("port must be in 0-65535")
	}
	if config.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if err := os.MkdirAll(config.OutputDir, 0o700); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if config.TLS != nil && (config.TLS.CertPath == "" || config.TLS.KeyPath == "") {
		return nil, errors.New("tls cert and key must be provided together")
	}

	pairState, err := pairing.New(pairing.Options{
		Code:              config.PairCode,
		RotatePerTransfer: config.RotatePerTransfer,
		TTL:               config.PairTTL,
		Generate:          config.GeneratePairCode,
		OnChange:          config.OnPairCodeChange,
	})
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", config.Port, err)
	}
	if config.TLS != nil {
		certificate, err := tls.LoadX509KeyPair(config.TLS.CertPath, config.TLS.KeyPath)
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("load TLS certificate: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{certificate}})
	}

	receiver := &Receiver{
		config:   config,
		listener: listener,
		pairing:  pairState,
		sessions: make(map[string]net.Conn),
		closed:   make(chan struct{}),
	}

	port := listener.Addr().(*net.TCPAddr).Port
	if !config.DisableDiscovery {
		name := config.ServiceName
		if name == "" {
			if host, err := os.Hostname(); err == nil && host != "" {
				name = host
			} else {
				name = "local-sent"
			}
		}

		advertiser, err := discovery.StartAdvertiser(discovery.AdvertiserOptions{Name: name, Port: port})
		if err != nil {
			receiver.logf("[receive] mDNS advertise failed: %v", err)
		} else {
			receiver.advertiser = advertiser
		}

		responder, err := discovery.StartResponder(discovery.ResponderOptions{Name: name, Port: port})
		if err != nil {
			receiver.logf("[receive] UDP responder failed: %v", err)
		} else {
			receiver.responder = responder
		}
	}

	pairState.Start()
	receiver.wg.Add(1)
	go receiver.acceptLoop()
	return receiver, nil
}

// Addr returns the bound listener address.
func (r *Receiver) Addr() net.Addr {
	return r.listener.Addr()
}

// Stop closes the listener and discovery endpoints, then waits for
// in-flight sessions up to ShutdownGrace before forcing their sockets
// closed.
func (r *Receiver) Stop() error {
	r.stopOnce.Do(func() {
		close(r.closed)
		_ = r.listener.Close()
		r.advertiser.Stop()
		r.responder.Stop()
		r.pairing.Stop()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(ShutdownGrace):
			r.sessionMu.Lock()
			for _, conn := range r.sessions {
				_ = conn.Close()
			}
			r.sessionMu.Unlock()
			<-done
		}
	})
	return nil
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		r.wg.Add(1)
		go r.handleSession(conn)
	}
}

func (r *Receiver) handleSession(conn net.Conn) {
	defer r.wg.Done()

	session := &receiveSession{
		id:         uuid.NewString(),
		remoteAddr: remoteIP(conn),
		hasher:     sha256.New(),
		startedAt:  time.Now(),
	}

	r.sessionMu.Lock()
	r.sessions[session.id] = conn
	r.sessionMu.Unlock()

	defer func() {
		r.sessionMu.Lock()
		delete(r.sessions, session.id)
		r.sessionMu.Unlock()
		_ = conn.Close()
	}()

	lines := NewLineReader(conn)

	if err := r.runSession(session, conn, lines); err != nil {
		r.logf("[receive] failed: %v", err)
		r.recordHistory(session, "failed", 0, "")
	}
}

// runSession drives one inbound transfer through header, admission,
// ready, payload, verification, promotion, and ack. Failures before the
// ready frame answer with ready{ok:false}; later failures answer with
// ack{ok:false}.
func (r *Receiver) runSession(session *receiveSession, conn net.Conn, lines *LineReader) error {
	header, err := r.readHeader(lines)
	if err != nil {
		r.refuseBeforeReady(conn, err.Error())
		return err
	}
	session.header = header

	// Counted before admission so a TTL tick cannot rotate a just-admitted
	// code out of its grace window.
	r.pairing.BeginTransfer()
	defer r.pairing.EndTransfer()

	admitted, chainCode := r.pairing.Admit(header.PairCode)
	if !admitted {
		r.refuseBeforeReady(conn, ErrPairCodeMismatch.Error())
		return fmt.Errorf("%w from %s", ErrPairCodeMismatch, session.remoteAddr)
	}

	finalPath, tempPath, err := chooseTarget(r.config.OutputDir, header.RelativePath, header.SHA256Hex)
	if err != nil {
		r.refuseBeforeReady(conn, err.Error())
		return err
	}
	session.finalPath = finalPath
	session.tempPath = tempPath

	if r.config.ConfirmTransfer != nil {
		decision := r.config.ConfirmTransfer(ConfirmRequest{
			From:         session.remoteAddr,
			RelativePath: header.RelativePath,
			FileSize:     header.FileSize,
		})
		if !decision.Accept {
			message := decision.Message
			if message == "" {
				message = "transfer rejected"
			}
			r.refuseBeforeReady(conn, message)
			return fmt.Errorf("transfer rejected by confirmation hook: %s", message)
		}
	}

	offset, complete, err := r.resumeOffset(session)
	if err != nil {
		r.refuseBeforeReady(conn, err.Error())
		return err
	}
	session.offset = offset
	session.received = offset

	var file *os.File
	if !complete {
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if offset > 0 {
			flags = os.O_WRONLY | os.O_APPEND
		}
		file, err = os.OpenFile(session.tempPath, flags, 0o600)
		if err != nil {
			err = fmt.Errorf("open temp file: %w", err)
			r.refuseBeforeReady(conn, err.Error())
			return err
		}
	}

	ready := Ready{Type: TypeReady, OK: true, Offset: offset, SavedPath: session.finalPath}
	if complete {
		ready.Offset = header.FileSize
		session.offset = header.FileSize
		session.received = header.FileSize
	}
	if err := WriteRecord(conn, ready); err != nil {
		if file != nil {
			_ = file.Close()
		}
		return fmt.Errorf("write ready: %w", err)
	}

	if !complete {
		if err := r.receivePayload(session, file, lines); err != nil {
			r.refuseAfterReady(conn, err.Error())
			return err
		}
	}

	if err := r.verifyAndPromote(session); err != nil {
		r.refuseAfterReady(conn, err.Error())
		return err
	}

	nextPairCode := chainCode
	if r.config.RotatePerTransfer {
		rotated, err := r.pairing.RotateAfterTransfer()
		if err != nil {
			r.refuseAfterReady(conn, err.Error())
			return fmt.Errorf("rotate pair code: %w", err)
		}
		nextPairCode = rotated
	}

	ack := Ack{
		Type:          TypeAck,
		OK:            true,
		SHA256Hex:     session.header.SHA256Hex,
		ReceivedBytes: session.header.FileSize,
		SavedPath:     session.finalPath,
		ResumedFrom:   session.offset,
		NextPairCode:  nextPairCode,
	}
	if err := WriteRecord(conn, ack); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}

	r.logf("[receive] saved %s", session.finalPath)
	r.recordHistory(session, "complete", session.offset, session.finalPath)
	return nil
}

func (r *Receiver) readHeader(lines *LineReader) (Header, error) {
	var header Header
	if err := lines.DecodeRecord("header", &header); err != nil {
		return Header{}, err
	}
	if header.Type != TypeHeader {
		return Header{}, fmt.Errorf("expected %q record, got %q", TypeHeader, header.Type)
	}
	if header.Version != ProtocolVersion {
		return Header{}, fmt.Errorf("unsupported protocol version %d", header.Version)
	}
	if header.FileSize < 0 {
		return Header{}, fmt.Errorf("invalid file size %d", header.FileSize)
	}
	if !isHexDigest(header.SHA256Hex) {
		return Header{}, fmt.Errorf("invalid sha256 digest %q", header.SHA256Hex)
	}
	if _, err := NormalizeRelativePath(header.RelativePath); err != nil {
		return Header{}, err
	}
	return header, nil
}

// resumeOffset inspects the temp file and decides where the payload
// stream starts, seeding the session hasher with the retained prefix.
// complete=true means the temp already holds the full verified content
// and the payload phase is skipped.
func (r *Receiver) resumeOffset(session *receiveSession) (offset int64, complete bool, err error) {
	info, err := os.Stat(session.tempPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stat temp file: %w", err)
	}

	size := info.Size()
	fileSize := session.header.FileSize
	switch {
	case size == 0:
		return 0, false, nil
	case size > fileSize:
		// A stale temp larger than the announced file restarts from zero.
		return 0, false, nil
	case size == fileSize:
		digest, err := FileSHA256(session.tempPath)
		if err != nil {
			return 0, false, err
		}
		if digest != session.header.SHA256Hex {
			return 0, false, nil
		}
		if err := seedHasher(session.hasher, session.tempPath, size); err != nil {
			return 0, false, err
		}
		return fileSize, true, nil
	default:
		if err := seedHasher(session.hasher, session.tempPath, size); err != nil {
			return 0, false, err
		}
		return size, false, nil
	}
}

func (r *Receiver) receivePayload(session *receiveSession, file *os.File, lines *LineReader) error {
	defer func() {
		_ = file.Close()
	}()

	fileSize := session.header.FileSize
	meter := newProgressMeter("recv", session.header.RelativePath, fileSize, r.config.Progress)
	meter.done = session.received

	payload := lines.Payload()
	buffer := make([]byte, payloadBufferSize)
	for {
		n, err := payload.Read(buffer)
		if n > 0 {
			if session.received+int64(n) > fileSize {
				return fmt.Errorf("received more than announced %d bytes", fileSize)
			}
			session.hasher.Write(buffer[:n])
			if _, err := file.Write(buffer[:n]); err != nil {
				return fmt.Errorf("write payload: %w", err)
			}
			session.received += int64(n)
			meter.add(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read payload: %w", err)
		}
		if session.received == fileSize {
			break
		}
	}

	if session.received != fileSize {
		return fmt.Errorf("connection closed before payload complete: received %d of %d bytes",
			session.received, fileSize)
	}

	meter.finish()

	// The ack must not race the bytes to disk.
	if err := file.Sync(); err != nil {
		return fmt.Errorf("flush temp file: %w", err)
	}
	return nil
}

func (r *Receiver) verifyAndPromote(session *receiveSession) error {
	digest := fmt.Sprintf("%x", session.hasher.Sum(nil))
	if digest != session.header.SHA256Hex {
		_ = os.Remove(session.tempPath)
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, session.header.SHA256Hex, digest)
	}

	finalPath, err := promoteTemp(session.tempPath, session.finalPath)
	if err != nil {
		return err
	}
	session.finalPath = finalPath
	return nil
}

// refuseBeforeReady answers a pre-ready failure with ready{ok:false}
// and half-closes the write side.
func (r *Receiver) refuseBeforeReady(conn net.Conn, message string) {
	_ = WriteRecord(conn, Ready{Type: TypeReady, OK: false, Message: message})
	_ = halfCloseWrite(conn)
}

// refuseAfterReady answers a post-ready failure with ack{ok:false}.
func (r *Receiver) refuseAfterReady(conn net.Conn, message string) {
	_ = WriteRecord(conn, Ack{Type: TypeAck, OK: false, Message: message})
	_ = halfCloseWrite(conn)
}

func (r *Receiver) recordHistory(session *receiveSession, status string, resumedFrom int64, savedPath string) {
	if r.config.Store == nil || session.header.RelativePath == "" {
		return
	}

	err := r.config.Store.SaveTransfer(storage.TransferRecord{
		ID:           session.id,
		Direction:    storage.DirectionReceive,
		Peer:         session.remoteAddr,
		RelativePath: session.header.RelativePath,
		SavedPath:    savedPath,
		Size:         session.header.FileSize,
		SHA256Hex:    session.header.SHA256Hex,
		Status:       status,
		ResumedFrom:  resumedFrom,
		Timestamp:    session.startedAt.UnixMilli(),
	})
	if err != nil {
		r.logf("[receive] history write failed: %v", err)
	}
}

func (r *Receiver) logf(format string, args ...any) {
	if r.config.Logf != nil {
		r.config.Logf(format, args...)
	}
}

// seedHasher replays the first length bytes of a temp file into the
// session hasher so a resumed stream continues the digest.
func seedHasher(hasher hash.Hash, path string, length int64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open temp for hash seed: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := io.CopyN(hasher, file, length); err != nil {
		return fmt.Errorf("seed hash from temp: %w", err)
	}
	return nil
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
