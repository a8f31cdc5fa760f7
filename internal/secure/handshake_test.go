package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/mailfabric/internal/testutil"
)

const responderID = "mailbox-earth-planet"

func pipeChannels(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return NewChannel(newLineConn(a)), NewChannel(newLineConn(b))
}

func testKeys(t *testing.T) *MemoryKeyStore {
	t.Helper()
	keys := NewMemoryKeyStore()
	keys.Add(responderID, testutil.RSAKey(t))
	return keys
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handshake")
		return nil
	}
}

func TestHandshake(t *testing.T) {
	client, srv := pipeChannels(t)
	keys := testKeys(t)

	done := make(chan error, 1)
	go func() {
		line, err := srv.ReadLine()
		if err != nil {
			done <- err
			return
		}
		if line != "startsecure" {
			done <- errors.New("expected startsecure, got " + line)
			return
		}
		done <- Respond(srv, responderID, keys)
	}()

	id, err := Initiate(client, keys)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if id != responderID {
		t.Errorf("Initiate() id = %q, want %q", id, responderID)
	}
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	if !client.Secure() || !srv.Secure() {
		t.Fatal("both channels should be secure after the handshake")
	}

	go func() {
		line, err := srv.ReadLine()
		if err == nil {
			err = srv.WriteLine("echo " + line)
		}
		done <- err
	}()

	if err := client.WriteLine("login trillian 12345"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	reply, err := client.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}
	if reply != "echo login trillian 12345" {
		t.Errorf("reply = %q", reply)
	}
	if err := waitErr(t, done); err != nil {
		t.Errorf("server echo error = %v", err)
	}
}

func TestInitiateAbortsOnChallengeMismatch(t *testing.T) {
	client, raw := pipeChannels(t)
	keys := testKeys(t)
	priv := testutil.RSAKey(t)

	// A responder that decrypts the offer but echoes a different challenge.
	done := make(chan error, 1)
	go func() {
		if _, err := raw.ReadLine(); err != nil {
			done <- err
			return
		}
		_ = raw.WriteLine("ok " + responderID)
		offer, err := raw.ReadLine()
		if err != nil {
			done <- err
			return
		}
		sealed, _ := base64.StdEncoding.DecodeString(offer)
		plain, err := rsa.DecryptPKCS1v15(nil, priv, sealed)
		if err != nil {
			done <- err
			return
		}
		fields := strings.Split(string(plain), " ")
		key, _ := base64.StdEncoding.DecodeString(fields[2])
		iv, _ := base64.StdEncoding.DecodeString(fields[3])
		if err := raw.Upgrade(key, iv); err != nil {
			done <- err
			return
		}
		wrong := make([]byte, ChallengeSize)
		_, _ = rand.Read(wrong)
		_ = raw.WriteLine("ok " + base64.StdEncoding.EncodeToString(wrong))

		// The initiator must not answer; the next read sees the close.
		_, err = raw.ReadLine()
		done <- err
	}()

	_, err := Initiate(client, keys)
	if !errors.Is(err, ErrChallenge) {
		t.Fatalf("Initiate() error = %v, want ErrChallenge", err)
	}

	// Tear down the initiator side as a caller would on error.
	_ = client.conn.(*lineConn).c.Close()

	if err := waitErr(t, done); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("responder read after mismatch = %v, want EOF", err)
	}
}

func TestRespondRejectsMalformedOffer(t *testing.T) {
	keys := testKeys(t)
	pub := &testutil.RSAKey(t).PublicKey

	tests := []struct {
		name  string
		offer func() string
	}{
		{
			name:  "not base64",
			offer: func() string { return "%%%" },
		},
		{
			name: "not encrypted for us",
			offer: func() string {
				return base64.StdEncoding.EncodeToString([]byte("ok a b c"))
			},
		},
		{
			name: "wrong token count",
			offer: func() string {
				ct, _ := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte("ok onlytwo"))
				return base64.StdEncoding.EncodeToString(ct)
			},
		},
		{
			name: "missing ok prefix",
			offer: func() string {
				ct, _ := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte("no a b c"))
				return base64.StdEncoding.EncodeToString(ct)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := &bufferConn{in: []string{tt.offer()}}
			err := Respond(NewChannel(bc), responderID, keys)
			if !errors.Is(err, ErrHandshake) {
				t.Errorf("Respond() error = %v, want ErrHandshake", err)
			}
			if len(bc.out) != 1 || bc.out[0] != "ok "+responderID {
				t.Errorf("responder wrote %v, want only the id line", bc.out)
			}
		})
	}
}

func TestRespondRejectsBadKey(t *testing.T) {
	keys := testKeys(t)
	pub := &testutil.RSAKey(t).PublicKey

	shortKey := base64.StdEncoding.EncodeToString(make([]byte, 8))
	iv := base64.StdEncoding.EncodeToString(make([]byte, IVSize))
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte("ok Y2hhbA== "+shortKey+" "+iv))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	bc := &bufferConn{in: []string{base64.StdEncoding.EncodeToString(ct)}}
	if err := Respond(NewChannel(bc), responderID, keys); !errors.Is(err, ErrKey) {
		t.Errorf("Respond() error = %v, want ErrKey", err)
	}
}

func TestRespondRequiresOkAck(t *testing.T) {
	client, srv := pipeChannels(t)
	keys := testKeys(t)

	done := make(chan error, 1)
	go func() {
		done <- Respond(srv, responderID, keys)
	}()

	// Drive the initiator side by hand up to the final acknowledgement.
	if _, err := client.ReadLine(); err != nil {
		t.Fatalf("read id: %v", err)
	}
	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)
	_, _ = rand.Read(key)
	_, _ = rand.Read(iv)
	offer := "ok Y2hhbGxlbmdl " + base64.StdEncoding.EncodeToString(key) + " " + base64.StdEncoding.EncodeToString(iv)
	ct, _ := rsa.EncryptPKCS1v15(rand.Reader, &testutil.RSAKey(t).PublicKey, []byte(offer))
	if err := client.WriteLine(base64.StdEncoding.EncodeToString(ct)); err != nil {
		t.Fatalf("write offer: %v", err)
	}
	if err := client.Upgrade(key, iv); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	echo, err := client.ReadLine()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if echo != "ok Y2hhbGxlbmdl" {
		t.Errorf("echo = %q, want the challenge back", echo)
	}
	if err := client.WriteLine("okay"); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	if err := waitErr(t, done); !errors.Is(err, ErrHandshake) {
		t.Errorf("Respond() error = %v, want ErrHandshake", err)
	}
}

func TestInitiateUnknownResponder(t *testing.T) {
	bc := &bufferConn{in: []string{"ok mailbox-unknown"}}
	_, err := Initiate(NewChannel(bc), testKeys(t))
	if !errors.Is(err, ErrHandshake) || !errors.Is(err, ErrNoKey) {
		t.Errorf("Initiate() error = %v, want handshake failure for unknown key", err)
	}
	if len(bc.out) != 1 || bc.out[0] != "startsecure" {
		t.Errorf("initiator wrote %v, want only startsecure", bc.out)
	}
}
