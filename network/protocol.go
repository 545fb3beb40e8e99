package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxControlLine bounds a single control record, newline included.
	MaxControlLine = 64 * 1024
	// DefaultTransferPort is the TCP/TLS transfer port.
	DefaultTransferPort = 37373
)

const (
	TypeHeader = "header"
	TypeReady  = "ready"
	TypeAck    = "ack"
)

var (
	// ErrControlLineTooLong indicates a control record reached
	// MaxControlLine bytes, newline included.
	ErrControlLineTooLong = errors.New("network: control line of 65536 bytes or more")
)

// Envelope identifies the control record type.
type Envelope struct {
	Type string `json:"type"`
}

// Header opens a transfer session and describes the incoming file.
type Header struct {
	Type         string `json:"type"`
	Version      int    `json:"version"`
	RelativePath string `json:"relative_path"`
	FileSize     int64  `json:"file_size"`
	SHA256Hex    string `json:"sha256_hex"`
	PairCode     string `json:"pair_code,omitempty"`
}

// Ready is the receiver's answer to a header. Offset is the resume
// position the sender must stream from. OK=false terminates the session.
type Ready struct {
	Type      string `json:"type"`
	OK        bool   `json:"ok"`
	Offset    int64  `json:"offset"`
	Message   string `json:"message,omitempty"`
	SavedPath string `json:"saved_path,omitempty"`
}

// Ack is the receiver's terminal verdict for a session.
type Ack struct {
	Type          string `json:"type"`
	OK            bool   `json:"ok"`
	Message       string `json:"message,omitempty"`
	SHA256Hex     string `json:"sha256_hex,omitempty"`
	ReceivedBytes int64  `json:"received_bytes,omitempty"`
	SavedPath     string `json:"saved_path,omitempty"`
	ResumedFrom   int64  `json:"resumed_from,omitempty"`
	NextPairCode  string `json:"next_pair_code,omitempty"`
}

// WriteRecord marshals one control record and writes it as a single
// newline-terminated line.
func WriteRecord(w io.Writer, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal control record: %w", err)
	}
	if len(payload)+1 >= MaxControlLine {
		return ErrControlLineTooLong
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write control record: %w", err)
	}
	return nil
}

// LineReader splits an inbound stream into newline-delimited control
// records. Bytes that arrive after the last consumed record are kept in
// the buffer so the payload phase can consume them verbatim.
type LineReader struct {
	r   io.Reader
	buf []byte
}

// NewLineReader wraps a connection's read side.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r}
}

// ReadRecord returns the next control line without its trailing newline.
// The label names the expected record for error messages.
func (lr *LineReader) ReadRecord(label string) ([]byte, error) {
	for {
		if i := bytes.IndexByte(lr.buf, '\n'); i >= 0 {
			if i+1 >= MaxControlLine {
				return nil, ErrControlLineTooLong
			}
			line := bytes.TrimRight(lr.buf[:i], "\r")
			rest := make([]byte, len(lr.buf)-i-1)
			copy(rest, lr.buf[i+1:])
			record := make([]byte, len(line))
			copy(record, line)
			lr.buf = rest
			return record, nil
		}
		if len(lr.buf) >= MaxControlLine {
			return nil, ErrControlLineTooLong
		}

		chunk := make([]byte, 4096)
		n, err := lr.r.Read(chunk)
		if n > 0 {
			lr.buf = append(lr.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("connection closed before %s", label)
			}
			return nil, fmt.Errorf("read %s: %w", label, err)
		}
	}
}

// DecodeRecord reads the next control line and unmarshals it into out.
func (lr *LineReader) DecodeRecord(label string, out any) error {
	line, err := lr.ReadRecord(label)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, out); err != nil {
		return fmt.Errorf("decode %s: %w", label, err)
	}
	return nil
}

// Payload returns a reader over the residual buffered bytes followed by
// the rest of the underlying stream.
func (lr *LineReader) Payload() io.Reader {
	if len(lr.buf) == 0 {
		return lr.r
	}
	buffered := lr.buf
	lr.buf = nil
	return io.MultiReader(bytes.NewReader(buffered), lr.r)
}

// DecodeRecordType extracts the "type" field from a control line.
func DecodeRecordType(line []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(line, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", errors.New("network: missing record type")
	}
	return envelope.Type, nil
}
