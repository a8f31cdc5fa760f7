package testutil

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteUsersFile(t *testing.T) {
	domain := DefaultTestDomains()[0]
	path := WriteUsersFile(t, domain)

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read users file: %v", err)
	}

	want := "[users]\narthur = \"testpass\"\ntrillian = \"testpass\"\n"
	if string(content) != want {
		t.Errorf("users file = %q, want %q", string(content), want)
	}
}

func TestUserMap(t *testing.T) {
	users := DefaultTestDomains()[1].UserMap()
	if len(users) != 1 || users["zaphod"] != TestPassword {
		t.Errorf("UserMap() = %v", users)
	}
}

func TestRSAKeyIsShared(t *testing.T) {
	if RSAKey(t) != RSAKey(t) {
		t.Error("RSAKey should return the same key on every call")
	}
}

func TestWriteKeyPairDER(t *testing.T) {
	dir := t.TempDir()
	WriteKeyPair(t, dir, "mailbox-earth-planet", RSAKey(t), DER)

	der, err := os.ReadFile(filepath.Join(dir, "mailbox-earth-planet.der"))
	if err != nil {
		t.Fatalf("read private key: %v", err)
	}
	if _, err := x509.ParsePKCS8PrivateKey(der); err != nil {
		t.Errorf("private key is not PKCS#8: %v", err)
	}

	pub, err := os.ReadFile(filepath.Join(dir, "mailbox-earth-planet_pub.der"))
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("public key is not PKIX: %v", err)
	}
	if !parsed.(*rsa.PublicKey).Equal(&RSAKey(t).PublicKey) {
		t.Error("public key does not match")
	}
}

func TestWriteKeyPairPEM(t *testing.T) {
	dir := t.TempDir()
	WriteKeyPair(t, dir, "mailbox-univer-ze", RSAKey(t), PEM)

	data, err := os.ReadFile(filepath.Join(dir, "mailbox-univer-ze_pub.pem"))
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		t.Errorf("unexpected PEM block %+v", block)
	}
}

func TestWriteHMACKey(t *testing.T) {
	path := WriteHMACKey(t)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read hmac key: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("hmac key file should end with a newline")
	}
}
