package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testCertState(t *testing.T) (tls.ConnectionState, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "local-sent test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate failed: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate failed: %v", err)
	}

	sum := sha256.Sum256(der)
	return tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}, hex.EncodeToString(sum[:])
}

func TestFingerprintShape(t *testing.T) {
	fingerprint := Fingerprint([]byte("certificate-der"))
	if len(fingerprint) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(fingerprint))
	}
	if fingerprint != strings.ToLower(fingerprint) {
		t.Fatalf("fingerprint must be lowercase: %q", fingerprint)
	}
}

func TestValidateRejectsConflictingModes(t *testing.T) {
	config := Config{Fingerprint: strings.Repeat("a", 64), TrustOnFirstUse: true}
	if err := config.Validate(); !errors.Is(err, ErrConflictingModes) {
		t.Fatalf("expected ErrConflictingModes, got %v", err)
	}
}

func TestVerifyExpectedPin(t *testing.T) {
	state, fingerprint := testCertState(t)

	if err := Verify("host:1", state, Config{Fingerprint: fingerprint}); err != nil {
		t.Fatalf("matching pin should verify: %v", err)
	}
	if err := Verify("host:1", state, Config{Fingerprint: strings.ToUpper(fingerprint)}); err != nil {
		t.Fatalf("pin comparison should be case-insensitive: %v", err)
	}

	err := Verify("host:1", state, Config{Fingerprint: strings.Repeat("0", 64)})
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
}

func TestVerifyTrustOnFirstUsePersistsAndDetectsChange(t *testing.T) {
	state, fingerprint := testCertState(t)
	path := filepath.Join(t.TempDir(), "known_hosts.json")
	config := Config{TrustOnFirstUse: true, KnownHostsPath: path}

	if err := Verify("192.168.1.9:37373", state, config); err != nil {
		t.Fatalf("first use should verify and record: %v", err)
	}

	hosts, err := LoadKnownHosts(path)
	if err != nil {
		t.Fatalf("LoadKnownHosts failed: %v", err)
	}
	if len(hosts) != 1 || hosts["192.168.1.9:37373"] != fingerprint {
		t.Fatalf("unexpected known hosts content: %v", hosts)
	}

	// Same certificate verifies again.
	if err := Verify("192.168.1.9:37373", state, config); err != nil {
		t.Fatalf("repeat use should verify: %v", err)
	}

	// A different certificate on the same endpoint is rejected.
	otherState, _ := testCertState(t)
	err = Verify("192.168.1.9:37373", otherState, config)
	if !errors.Is(err, ErrFingerprintChanged) {
		t.Fatalf("expected ErrFingerprintChanged, got %v", err)
	}
}

func TestSaveKnownHostsSortedPrettyTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts.json")
	hosts := map[string]string{
		"zeta:2":  strings.Repeat("b", 64),
		"alpha:1": strings.Repeat("a", 64),
	}

	if err := SaveKnownHosts(path, hosts); err != nil {
		t.Fatalf("SaveKnownHosts failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read known hosts failed: %v", err)
	}
	text := string(raw)
	if !strings.HasSuffix(text, "\n") {
		t.Fatalf("expected trailing newline")
	}
	if strings.Index(text, "alpha:1") > strings.Index(text, "zeta:2") {
		t.Fatalf("expected sorted keys, got:\n%s", text)
	}
	if !strings.Contains(text, "  \"alpha:1\"") {
		t.Fatalf("expected pretty-printed indentation, got:\n%s", text)
	}
}

func TestLoadKnownHostsMissingFileIsEmpty(t *testing.T) {
	hosts, err := LoadKnownHosts(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file should load as empty store: %v", err)
	}
	if len(hosts) != 0 {
		t.Fatalf("expected empty store, got %v", hosts)
	}
}

func TestEndpointKeyLowercasesHost(t *testing.T) {
	if key := EndpointKey("MyHost.Local", 37373); key != "myhost.local:37373" {
		t.Fatalf("unexpected endpoint key %q", key)
	}
}
