// Package mail defines the message record exchanged by every protocol in the
// fabric and its line representations.
package mail

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidAddress is returned for strings that are not a single-@ address.
var ErrInvalidAddress = errors.New("invalid mail address")

// Field is an optional string that distinguishes "unset" from "set to empty".
type Field struct {
	value string
	set   bool
}

// Set assigns v and marks the field present.
func (f *Field) Set(v string) {
	f.value = v
	f.set = true
}

// Value returns the stored string, or "" when unset.
func (f Field) Value() string {
	return f.value
}

// IsSet reports whether the field was assigned.
func (f Field) IsSet() bool {
	return f.set
}

// Mail is a message under composition or in transit. It is complete once
// To, From, Subject and Data are set; Hash is optional.
type Mail struct {
	To      Field
	From    Field
	Subject Field
	Data    Field
	Hash    Field
}

// New returns a complete Mail with the given fields and no hash.
func New(to, from, subject, data string) Mail {
	var m Mail
	m.To.Set(to)
	m.From.Set(from)
	m.Subject.Set(subject)
	m.Data.Set(data)
	return m
}

// ValidAddress reports whether s contains exactly one '@' and no whitespace.
func ValidAddress(s string) bool {
	if strings.Count(s, "@") != 1 {
		return false
	}
	return !strings.ContainsFunc(s, unicode.IsSpace)
}

// SplitAddress returns the local part and domain of addr.
func SplitAddress(addr string) (local, domain string, err error) {
	if !ValidAddress(addr) {
		return "", "", ErrInvalidAddress
	}
	local, domain, _ = strings.Cut(addr, "@")
	return local, domain, nil
}

// SplitRecipients splits a comma-separated recipient list. Entries are
// returned verbatim: surrounding whitespace and empty entries are kept so
// address validation rejects them.
func SplitRecipients(to string) []string {
	return strings.Split(to, ",")
}

// Recipients returns the entries of the To field.
func (m Mail) Recipients() []string {
	if !m.To.IsSet() {
		return nil
	}
	return SplitRecipients(m.To.Value())
}

// Complete reports whether every mandatory field is set.
func (m Mail) Complete() bool {
	return m.To.IsSet() && m.From.IsSet() && m.Subject.IsSet() && m.Data.IsSet()
}

// Missing lists a reason for every unset mandatory field.
func (m Mail) Missing() []string {
	var missing []string
	if !m.To.IsSet() {
		missing = append(missing, "no recipients")
	}
	if !m.From.IsSet() {
		missing = append(missing, "no sender")
	}
	if !m.Subject.IsSet() {
		missing = append(missing, "no subject")
	}
	if !m.Data.IsSet() {
		missing = append(missing, "no data")
	}
	return missing
}

// Commands returns the submission sequence that reproduces m on a peer.
func (m Mail) Commands() []string {
	return []string{
		"begin",
		"to " + m.To.Value(),
		"from " + m.From.Value(),
		"subject " + m.Subject.Value(),
		"data " + m.Data.Value(),
		"hash " + m.Hash.Value(),
		"send",
		"quit",
	}
}

// Display returns the field lines shown by the access protocol.
func (m Mail) Display() []string {
	return []string{
		"to " + m.To.Value(),
		"from " + m.From.Value(),
		"subject " + m.Subject.Value(),
		"data " + m.Data.Value(),
		"hash " + m.Hash.Value(),
	}
}

// Digest computes the Base64 HMAC-SHA256 of the signed fields under key.
func (m Mail) Digest(key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strings.Join([]string{
		m.From.Value(),
		m.To.Value(),
		m.Subject.Value(),
		m.Data.Value(),
	}, "\n")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sign sets Hash to the digest of m under key.
func (m *Mail) Sign(key []byte) {
	m.Hash.Set(m.Digest(key))
}

// Verify reports whether Hash matches the digest of m under key.
func (m Mail) Verify(key []byte) bool {
	if !m.Hash.IsSet() {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(m.Hash.Value())
	if err != nil {
		return false
	}
	want, _ := base64.StdEncoding.DecodeString(m.Digest(key))
	return hmac.Equal(got, want)
}

// ParseDisplay rebuilds a Mail from the lines produced by Display.
// Unknown lines are ignored.
func ParseDisplay(lines []string) Mail {
	var m Mail
	for _, line := range lines {
		name, value, _ := strings.Cut(line, " ")
		switch name {
		case "to":
			m.To.Set(value)
		case "from":
			m.From.Set(value)
		case "subject":
			m.Subject.Set(value)
		case "data":
			m.Data.Set(value)
		case "hash":
			if value != "" {
				m.Hash.Set(value)
			}
		}
	}
	return m
}
