package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// KeyFormat selects how WriteKeyPair encodes keys on disk.
type KeyFormat int

const (
	// DER writes PKCS#8 / PKIX DER files.
	DER KeyFormat = iota
	// PEM writes the same keys PEM armored.
	PEM
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// RSAKey returns a 2048-bit RSA key shared by every test in the process;
// generating one per test is slow.
func RSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("generating RSA key: %v", keyErr)
	}
	return key
}

// WriteKeyPair writes <dir>/<id>.{der,pem} and <dir>/<id>_pub.{der,pem}.
func WriteKeyPair(t *testing.T, dir, id string, k *rsa.PrivateKey, format KeyFormat) {
	t.Helper()

	priv, err := x509.MarshalPKCS8PrivateKey(k)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}

	ext := ".der"
	if format == PEM {
		ext = ".pem"
		priv = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: priv})
		pub = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("create key dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+ext), priv, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+"_pub"+ext), pub, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
}

// HMACKey is the shared secret written by WriteHMACKey.
var HMACKey = []byte("mailfabric-test-shared-secret-32")

// WriteHMACKey writes HMACKey Base64 encoded and returns the file path.
func WriteHMACKey(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hmac.key")
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(HMACKey)+"\n"), 0o600); err != nil {
		t.Fatalf("write hmac key: %v", err)
	}
	return path
}
