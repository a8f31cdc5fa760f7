package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/awnumar/memguard"
)

var (
	// ErrHandshake is returned when the peer deviates from the handshake.
	ErrHandshake = errors.New("secure handshake failed")
	// ErrChallenge is returned when the responder echoes a different challenge.
	ErrChallenge = errors.New("challenge mismatch")
)

// ChallengeSize is the number of random bytes the initiator asks to be echoed.
const ChallengeSize = 32

// Respond runs the responder side of the handshake after "startsecure" has
// been read from ch. It leaves ch upgraded on success. Any error is fatal
// to the connection.
func Respond(ch *Channel, componentID string, keys KeyStore) error {
	if err := ch.WriteLine("ok " + componentID); err != nil {
		return err
	}

	line, err := ch.ReadLine()
	if err != nil {
		return err
	}

	priv, err := keys.PrivateKey(componentID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	sealed, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return fmt.Errorf("%w: offer is not base64", ErrHandshake)
	}
	plain, err := rsa.DecryptPKCS1v15(nil, priv, sealed)
	if err != nil {
		return fmt.Errorf("%w: cannot decrypt offer", ErrHandshake)
	}
	defer memguard.WipeBytes(plain)

	fields := strings.Split(string(plain), " ")
	if len(fields) != 4 || fields[0] != "ok" {
		return fmt.Errorf("%w: malformed offer", ErrHandshake)
	}

	key, err := base64.StdEncoding.DecodeString(fields[2])
	if err != nil {
		return fmt.Errorf("%w: key is not base64", ErrKey)
	}
	defer memguard.WipeBytes(key)
	iv, err := base64.StdEncoding.DecodeString(fields[3])
	if err != nil {
		return fmt.Errorf("%w: iv is not base64", ErrKey)
	}

	if err := ch.Upgrade(key, iv); err != nil {
		return err
	}

	if err := ch.WriteLine("ok " + fields[1]); err != nil {
		return err
	}

	ack, err := ch.ReadLine()
	if err != nil {
		return err
	}
	if ack != "ok" {
		return fmt.Errorf("%w: expected ok, got %q", ErrHandshake, ack)
	}
	return nil
}

// Initiate runs the initiator side of the handshake on ch and returns the
// responder's component id. The responder's public key is looked up in keys
// under that id. On success ch is upgraded and ready for login.
func Initiate(ch *Channel, keys PublicKeyStore) (string, error) {
	if err := ch.WriteLine("startsecure"); err != nil {
		return "", err
	}

	line, err := ch.ReadLine()
	if err != nil {
		return "", err
	}
	id, ok := strings.CutPrefix(line, "ok ")
	if !ok || id == "" || strings.Contains(id, " ") {
		return "", fmt.Errorf("%w: unexpected reply %q", ErrHandshake, line)
	}

	pub, err := keys.PublicKey(id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	challenge := make([]byte, ChallengeSize)
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return "", err
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	key := memguard.NewBufferRandom(KeySize)
	defer key.Destroy()

	offer := []byte(strings.Join([]string{
		"ok",
		base64.StdEncoding.EncodeToString(challenge),
		base64.StdEncoding.EncodeToString(key.Bytes()),
		base64.StdEncoding.EncodeToString(iv),
	}, " "))
	defer memguard.WipeBytes(offer)

	sealed, err := rsa.EncryptPKCS1v15(rand.Reader, pub, offer)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}
	if err := ch.WriteLine(base64.StdEncoding.EncodeToString(sealed)); err != nil {
		return "", err
	}

	if err := ch.Upgrade(key.Bytes(), iv); err != nil {
		return "", err
	}

	reply, err := ch.ReadLine()
	if err != nil {
		return "", err
	}
	echoed, ok := strings.CutPrefix(reply, "ok ")
	if !ok {
		return "", fmt.Errorf("%w: unexpected reply %q", ErrHandshake, reply)
	}
	got, err := base64.StdEncoding.DecodeString(echoed)
	if err != nil || subtle.ConstantTimeCompare(got, challenge) != 1 {
		return "", ErrChallenge
	}

	if err := ch.WriteLine("ok"); err != nil {
		return "", err
	}
	return id, nil
}
