// Package secure implements the encrypted line channel used by the mailbox
// access protocol and the handshake that establishes its session key.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEncrypt is returned when a line cannot be encrypted.
	ErrEncrypt = errors.New("could not encrypt")
	// ErrDecrypt is returned when an inbound line is not a valid ciphertext.
	ErrDecrypt = errors.New("could not decrypt")
	// ErrKey is returned when session key material is unusable.
	ErrKey = errors.New("key does not work")
	// ErrAlreadySecure is returned by a second Upgrade on the same channel.
	ErrAlreadySecure = errors.New("channel already secured")
)

// Session key sizes: AES-256 with a full-block counter IV.
const (
	KeySize = 32
	IVSize  = aes.BlockSize
)

// LineConn is a newline-framed transport. ReadLine returns io.EOF at the end
// of the stream.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
}

// Channel passes lines through unchanged until Upgrade is called; from then
// on every line is encrypted with AES-256-CTR and Base64 framed. Each line
// starts a fresh keystream from the session IV, so lines can be decrypted
// independently.
type Channel struct {
	conn LineConn

	mu    sync.RWMutex
	block cipher.Block
	iv    []byte
}

// NewChannel wraps conn in a plaintext channel.
func NewChannel(conn LineConn) *Channel {
	return &Channel{conn: conn}
}

// Upgrade fixes the session key for the rest of the channel's life.
func (c *Channel) Upgrade(key, iv []byte) error {
	if len(key) != KeySize || len(iv) != IVSize {
		return fmt.Errorf("%w: want %d byte key and %d byte iv", ErrKey, KeySize, IVSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKey, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.block != nil {
		return ErrAlreadySecure
	}
	c.block = block
	c.iv = append([]byte(nil), iv...)
	return nil
}

// Secure reports whether the channel has been upgraded.
func (c *Channel) Secure() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.block != nil
}

// ReadLine returns the next line, decrypting it once the channel is secure.
func (c *Channel) ReadLine() (string, error) {
	line, err := c.conn.ReadLine()
	if err != nil {
		return "", err
	}

	c.mu.RLock()
	block, iv := c.block, c.iv
	c.mu.RUnlock()
	if block == nil {
		return line, nil
	}

	data, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	cipher.NewCTR(block, iv).XORKeyStream(data, data)
	return string(data), nil
}

// WriteLine sends line, encrypting it once the channel is secure.
func (c *Channel) WriteLine(line string) error {
	c.mu.RLock()
	block, iv := c.block, c.iv
	c.mu.RUnlock()
	if block == nil {
		return c.conn.WriteLine(line)
	}

	out, err := seal(block, iv, line)
	if err != nil {
		return err
	}
	return c.conn.WriteLine(out)
}

func seal(block cipher.Block, iv []byte, line string) (string, error) {
	if len(iv) != block.BlockSize() {
		return "", ErrEncrypt
	}
	data := []byte(line)
	cipher.NewCTR(block, iv).XORKeyStream(data, data)
	return base64.StdEncoding.EncodeToString(data), nil
}
