package secure

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

// LoadSecret reads a Base64 encoded shared secret, such as the key that
// signs mail hashes.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(data)

	data = bytes.TrimSpace(data)
	secret := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(secret, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if n == 0 {
		return nil, errors.New(path + ": empty secret")
	}
	return secret[:n], nil
}
