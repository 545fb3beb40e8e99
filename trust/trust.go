// Package trust verifies TLS peer identity by certificate fingerprint:
// either against a configured expected pin or through a persisted
// trust-on-first-use known-hosts store.
package trust

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KnownHostsFileName is the TOFU store filename under the data directory.
	KnownHostsFileName = "known_hosts.json"
	// DataDirectoryName is the per-user application directory.
	DataDirectoryName = ".local-sent"
)

var (
	// ErrFingerprintMismatch indicates the peer certificate does not
	// match the configured expected pin.
	ErrFingerprintMismatch = errors.New("TLS fingerprint mismatch")
	// ErrFingerprintChanged indicates the peer certificate differs from
	// the fingerprint recorded on first use.
	ErrFingerprintChanged = errors.New("TLS fingerprint changed")
	// ErrConflictingModes indicates both expected-pin and TOFU were requested.
	ErrConflictingModes = errors.New("trust: expected fingerprint and trust-on-first-use are mutually exclusive")
	// ErrNoPeerCertificate indicates the TLS session carried no peer certificate.
	ErrNoPeerCertificate = errors.New("trust: no peer certificate presented")
)

// Config selects the pinning mode for one sender session.
type Config struct {
	// Fingerprint is the expected 64-hex SHA-256 pin; empty disables
	// expected-pin mode.
	Fingerprint string
	// TrustOnFirstUse records the peer fingerprint on first contact and
	// requires an exact match afterwards.
	TrustOnFirstUse bool
	// KnownHostsPath overrides the default TOFU store location.
	KnownHostsPath string
	// Logf observes trust-on-first-use events.
	Logf func(format string, args ...any)
}

// Enabled reports whether either pinning mode is active.
func (c Config) Enabled() bool {
	return c.Fingerprint != "" || c.TrustOnFirstUse
}

// Validate rejects contradictory mode combinations.
func (c Config) Validate() error {
	if c.Fingerprint != "" && c.TrustOnFirstUse {
		return ErrConflictingModes
	}
	return nil
}

// Fingerprint computes the lowercase SHA-256 hex of a raw certificate DER.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// PeerFingerprint extracts the fingerprint of the peer's leaf certificate.
func PeerFingerprint(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", ErrNoPeerCertificate
	}
	return Fingerprint(state.PeerCertificates[0].Raw), nil
}

// EndpointKey canonicalizes a host/port pair into the known-hosts key form.
func EndpointKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(host), port)
}

// Verify checks the handshaked session against the configured mode.
// It must run after the handshake completes and before any payload byte
// is written.
func Verify(endpoint string, state tls.ConnectionState, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	actual, err := PeerFingerprint(state)
	if err != nil {
		return err
	}

	if config.Fingerprint != "" {
		expected := strings.ToLower(strings.TrimSpace(config.Fingerprint))
		if actual != expected {
			return fmt.Errorf("%w: expected %s, got %s", ErrFingerprintMismatch, expected, actual)
		}
		return nil
	}

	if !config.TrustOnFirstUse {
		return nil
	}

	path := config.KnownHostsPath
	if path == "" {
		path, err = DefaultKnownHostsPath()
		if err != nil {
			return err
		}
	}

	hosts, err := LoadKnownHosts(path)
	if err != nil {
		return err
	}

	recorded, exists := hosts[endpoint]
	if exists {
		if recorded != actual {
			return fmt.Errorf("%w for %s: recorded %s, got %s", ErrFingerprintChanged, endpoint, recorded, actual)
		}
		return nil
	}

	hosts[endpoint] = actual
	if err := SaveKnownHosts(path, hosts); err != nil {
		return err
	}
	if config.Logf != nil {
		config.Logf("[trust] first use of %s, recorded fingerprint %s", endpoint, actual)
	}
	return nil
}

// DefaultKnownHostsPath returns <home>/.local-sent/known_hosts.json.
func DefaultKnownHostsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, DataDirectoryName, KnownHostsFileName), nil
}

// LoadKnownHosts reads the TOFU store. A missing file is an empty store.
func LoadKnownHosts(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read known hosts: %w", err)
	}

	hosts := map[string]string{}
	if err := json.Unmarshal(raw, &hosts); err != nil {
		return nil, fmt.Errorf("parse known hosts %q: %w", path, err)
	}
	return hosts, nil
}

// SaveKnownHosts writes the TOFU store pretty-printed with sorted keys
// and a trailing newline.
func SaveKnownHosts(path string, hosts map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create known hosts directory: %w", err)
	}

	raw, err := json.MarshalIndent(hosts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal known hosts: %w", err)
	}
	raw = append(raw, '\n')

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write known hosts: %w", err)
	}
	return nil
}
