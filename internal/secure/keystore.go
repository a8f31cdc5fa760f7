package secure

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrNoKey is returned when no key exists for a component id.
var ErrNoKey = errors.New("no key for component")

// KeyStore yields the private key of a component.
type KeyStore interface {
	PrivateKey(id string) (*rsa.PrivateKey, error)
}

// PublicKeyStore yields the public key of a component.
type PublicKeyStore interface {
	PublicKey(id string) (*rsa.PublicKey, error)
}

// DirKeyStore loads keys from a directory: private keys from <id>.der or
// <id>.pem, public keys from <id>_pub.der or <id>_pub.pem. Private key
// bytes are kept sealed in memguard enclaves and only opened to parse.
type DirKeyStore struct {
	dir string

	mu     sync.Mutex
	sealed map[string]*memguard.Enclave
}

// NewDirKeyStore creates a store reading from dir.
func NewDirKeyStore(dir string) *DirKeyStore {
	return &DirKeyStore{
		dir:    dir,
		sealed: make(map[string]*memguard.Enclave),
	}
}

// PrivateKey returns the RSA private key of id.
func (s *DirKeyStore) PrivateKey(id string) (*rsa.PrivateKey, error) {
	enclave, err := s.enclave(id)
	if err != nil {
		return nil, err
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening sealed key %s: %w", id, err)
	}
	defer buf.Destroy()

	return ParsePrivateKey(buf.Bytes())
}

func (s *DirKeyStore) enclave(id string) (*memguard.Enclave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sealed[id]; ok {
		return e, nil
	}

	der, err := readKeyFile(s.dir, id, "PRIVATE KEY", "RSA PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	// NewEnclave wipes der.
	e := memguard.NewEnclave(der)
	s.sealed[id] = e
	return e, nil
}

// PublicKey returns the RSA public key of id.
func (s *DirKeyStore) PublicKey(id string) (*rsa.PublicKey, error) {
	der, err := readKeyFile(s.dir, id+"_pub", "PUBLIC KEY", "RSA PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(der)
}

// readKeyFile returns the DER bytes of <dir>/<name>.der or <dir>/<name>.pem.
func readKeyFile(dir, name string, pemTypes ...string) ([]byte, error) {
	der, err := os.ReadFile(filepath.Join(dir, name+".der"))
	if err == nil {
		return der, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, name+".pem"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoKey, name)
		}
		return nil, err
	}
	defer memguard.WipeBytes(data)

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s.pem: no PEM block", name)
	}
	for _, t := range pemTypes {
		if block.Type == t {
			return block.Bytes, nil
		}
	}
	return nil, fmt.Errorf("%s.pem: unexpected block type %q", name, block.Type)
}

// ParsePrivateKey parses a PKCS#8 or PKCS#1 DER RSA private key.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}

// ParsePublicKey parses a PKIX or PKCS#1 DER RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return key, nil
}

// MemoryKeyStore holds keys in memory. It serves both private keys and the
// matching public keys.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PrivateKey
}

// NewMemoryKeyStore creates an empty MemoryKeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*rsa.PrivateKey)}
}

// Add stores key under id.
func (s *MemoryKeyStore) Add(id string, key *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = key
}

// PrivateKey returns the key stored under id.
func (s *MemoryKeyStore) PrivateKey(id string) (*rsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, id)
	}
	return key, nil
}

// PublicKey returns the public half of the key stored under id.
func (s *MemoryKeyStore) PublicKey(id string) (*rsa.PublicKey, error) {
	key, err := s.PrivateKey(id)
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}
