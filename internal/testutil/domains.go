// Package testutil provides test helpers for creating mailbox and key fixtures.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// TestUser represents a mailbox user.
type TestUser struct {
	Username string
	Password string
}

// TestDomain represents the users served by one mailbox node.
type TestDomain struct {
	Name  string
	Users []TestUser
}

// TestPassword is the password used for all default test users.
const TestPassword = "testpass"

// DefaultTestDomains returns the standard test domains (earth.planet, univer.ze).
// All users have the password TestPassword.
func DefaultTestDomains() []TestDomain {
	return []TestDomain{
		{
			Name: "earth.planet",
			Users: []TestUser{
				{Username: "trillian", Password: TestPassword},
				{Username: "arthur", Password: TestPassword},
			},
		},
		{
			Name: "univer.ze",
			Users: []TestUser{
				{Username: "zaphod", Password: TestPassword},
			},
		},
	}
}

// UserMap returns the users of d as a name to password map.
func (d TestDomain) UserMap() map[string]string {
	users := make(map[string]string, len(d.Users))
	for _, u := range d.Users {
		users[u.Username] = u.Password
	}
	return users
}

// WriteUsersFile writes the users of domain as a TOML [users] table and
// returns the file path:
//
//	[users]
//	arthur = "testpass"
//	trillian = "testpass"
func WriteUsersFile(t *testing.T, domain TestDomain) string {
	t.Helper()

	users := domain.UserMap()
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("[users]\n")
	for _, name := range names {
		fmt.Fprintf(&b, "%s = %q\n", name, users[name])
	}

	path := filepath.Join(t.TempDir(), domain.Name+".users.toml")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("failed to write users file for %s: %v", domain.Name, err)
	}
	return path
}
