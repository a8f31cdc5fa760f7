// Package mailbox holds the in-memory user table and per-user message
// storage of a mailbox node.
package mailbox

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/infodancer/mailfabric/internal/mail"
)

var (
	// ErrUnknownUser is returned for users without a mailbox.
	ErrUnknownUser = errors.New("unknown user")
	// ErrWrongPassword is returned when a password does not match.
	ErrWrongPassword = errors.New("wrong password")
	// ErrUnknownMessage is returned for ids not stored for the user.
	ErrUnknownMessage = errors.New("unknown message id")
)

// Entry is one stored message with its id.
type Entry struct {
	ID   uint64
	Mail mail.Mail
}

// Summary returns the list line "<id> <from> <subject>".
func (e Entry) Summary() string {
	return fmt.Sprintf("%d %s %s", e.ID, e.Mail.From.Value(), e.Mail.Subject.Value())
}

// Store keeps the mail of a fixed set of users. Ids come from one counter
// shared by all users and are never reused.
type Store struct {
	passwords map[string]string
	boxes     map[string]*sync.Map // user -> id -> mail.Mail
	lastID    atomic.Uint64
}

// NewStore creates a store with one empty mailbox per user. The user table
// is copied and read-only afterwards.
func NewStore(users map[string]string) *Store {
	s := &Store{
		passwords: make(map[string]string, len(users)),
		boxes:     make(map[string]*sync.Map, len(users)),
	}
	for name, pw := range users {
		s.passwords[name] = pw
		s.boxes[name] = &sync.Map{}
	}
	return s
}

// HasUser reports whether user has a mailbox.
func (s *Store) HasUser(user string) bool {
	_, ok := s.passwords[user]
	return ok
}

// Password returns the password of user.
func (s *Store) Password(user string) (string, error) {
	pw, ok := s.passwords[user]
	if !ok {
		return "", ErrUnknownUser
	}
	return pw, nil
}

// Authenticate checks a username and password.
func (s *Store) Authenticate(user, password string) error {
	pw, err := s.Password(user)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(pw), []byte(password)) != 1 {
		return ErrWrongPassword
	}
	return nil
}

// Users returns the sorted user names.
func (s *Store) Users() []string {
	names := make([]string, 0, len(s.passwords))
	for name := range s.passwords {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) box(user string) (*sync.Map, error) {
	b, ok := s.boxes[user]
	if !ok {
		return nil, ErrUnknownUser
	}
	return b, nil
}

// Save stores m for user and returns its id.
func (s *Store) Save(user string, m mail.Mail) (uint64, error) {
	b, err := s.box(user)
	if err != nil {
		return 0, err
	}
	id := s.lastID.Add(1)
	b.Store(id, m)
	return id, nil
}

// List returns the messages of user in ascending id order.
func (s *Store) List(user string) ([]Entry, error) {
	b, err := s.box(user)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	b.Range(func(k, v any) bool {
		entries = append(entries, Entry{ID: k.(uint64), Mail: v.(mail.Mail)})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Get returns message id of user.
func (s *Store) Get(user string, id uint64) (mail.Mail, error) {
	b, err := s.box(user)
	if err != nil {
		return mail.Mail{}, err
	}
	v, ok := b.Load(id)
	if !ok {
		return mail.Mail{}, ErrUnknownMessage
	}
	return v.(mail.Mail), nil
}

// Delete removes message id of user.
func (s *Store) Delete(user string, id uint64) error {
	b, err := s.box(user)
	if err != nil {
		return err
	}
	if _, loaded := b.LoadAndDelete(id); !loaded {
		return ErrUnknownMessage
	}
	return nil
}

// Count returns the number of messages stored for user.
func (s *Store) Count(user string) int {
	b, err := s.box(user)
	if err != nil {
		return 0
	}
	n := 0
	b.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

type usersFile struct {
	Users map[string]string `toml:"users"`
}

// LoadUsers reads a TOML users file:
//
//	[users]
//	trillian = "12345"
func LoadUsers(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	var f usersFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}
	if len(f.Users) == 0 {
		return nil, fmt.Errorf("users file %s has no [users] entries", path)
	}
	return f.Users, nil
}
