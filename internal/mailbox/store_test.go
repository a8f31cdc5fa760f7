package mailbox

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/infodancer/mailfabric/internal/mail"
	"github.com/infodancer/mailfabric/internal/testutil"
)

func newTestStore() *Store {
	return NewStore(testutil.DefaultTestDomains()[0].UserMap())
}

func TestAuthenticate(t *testing.T) {
	s := newTestStore()

	tests := []struct {
		name     string
		user     string
		password string
		want     error
	}{
		{name: "valid", user: "trillian", password: testutil.TestPassword},
		{name: "wrong password", user: "trillian", password: "nope", want: ErrWrongPassword},
		{name: "unknown user", user: "zaphod", password: testutil.TestPassword, want: ErrUnknownUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Authenticate(tt.user, tt.password)
			if !errors.Is(err, tt.want) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSaveListGetDelete(t *testing.T) {
	s := newTestStore()

	first, err := s.Save("trillian", mail.New("trillian@earth.planet", "zaphod@univer.ze", "hi", "one"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	second, _ := s.Save("arthur", mail.New("arthur@earth.planet", "zaphod@univer.ze", "hi", "two"))
	third, _ := s.Save("trillian", mail.New("trillian@earth.planet", "arthur@earth.planet", "tea", "three"))

	if !(first < second && second < third) {
		t.Errorf("ids not increasing across users: %d %d %d", first, second, third)
	}

	entries, err := s.List("trillian")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ID != first || entries[1].ID != third {
		t.Fatalf("List() = %+v", entries)
	}
	if got := entries[1].Summary(); got != "3 arthur@earth.planet tea" {
		t.Errorf("Summary() = %q", got)
	}

	m, err := s.Get("trillian", third)
	if err != nil || m.Data.Value() != "three" {
		t.Errorf("Get() = %+v, %v", m, err)
	}
	if _, err := s.Get("trillian", second); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Get() of another user's id error = %v, want ErrUnknownMessage", err)
	}

	if err := s.Delete("trillian", first); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete("trillian", first); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("second Delete() error = %v, want ErrUnknownMessage", err)
	}

	// Ids are never reused after deletion.
	next, _ := s.Save("trillian", mail.New("trillian@earth.planet", "a@b", "s", "d"))
	if next <= third {
		t.Errorf("id %d reused or decreased after delete", next)
	}
	if s.Count("trillian") != 2 {
		t.Errorf("Count() = %d, want 2", s.Count("trillian"))
	}
}

func TestUnknownUserHasNoMailbox(t *testing.T) {
	s := newTestStore()

	if _, err := s.Save("ford", mail.Mail{}); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Save() error = %v", err)
	}
	if _, err := s.List("ford"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("List() error = %v", err)
	}
	if _, err := s.Get("ford", 1); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Get() error = %v", err)
	}
	if err := s.Delete("ford", 1); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Delete() error = %v", err)
	}
	if s.HasUser("ford") {
		t.Error("HasUser(ford) = true")
	}
	if _, err := s.List("ford"); err == nil || s.HasUser("ford") {
		t.Error("a failed operation must not create a mailbox")
	}
}

func TestConcurrentSaveKeepsOrder(t *testing.T) {
	s := newTestStore()

	const n = 200
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Save("arthur", mail.New("arthur@earth.planet", "x@y", "s", "d"))
		}()
	}
	wg.Wait()

	entries, err := s.List("arthur")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != n {
		t.Fatalf("List() returned %d entries, want %d", len(entries), n)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].ID >= entries[i].ID {
			t.Fatalf("entries not ascending at %d: %d >= %d", i, entries[i-1].ID, entries[i].ID)
		}
	}
}

func TestUsers(t *testing.T) {
	users := newTestStore().Users()
	if len(users) != 2 || users[0] != "arthur" || users[1] != "trillian" {
		t.Errorf("Users() = %v", users)
	}
}

func TestLoadUsers(t *testing.T) {
	path := testutil.WriteUsersFile(t, testutil.DefaultTestDomains()[1])

	users, err := LoadUsers(path)
	if err != nil {
		t.Fatalf("LoadUsers() error = %v", err)
	}
	if users["zaphod"] != testutil.TestPassword || len(users) != 1 {
		t.Errorf("LoadUsers() = %v", users)
	}
}

func TestLoadUsersErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadUsers(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(dir, "empty.toml")
	if err := os.WriteFile(empty, []byte("# nobody\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadUsers(empty); err == nil {
		t.Error("expected error for file without users")
	}

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("[users\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadUsers(bad); err == nil {
		t.Error("expected parse error")
	}
}
