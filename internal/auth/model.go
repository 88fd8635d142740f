package auth

import (
	"errors"
	"runtime"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Group is spec §3's Group: name, credential policy, and a VFS root
// template inherited by members. Lifetime is owned by the Database and
// mutated only through SetGroupsAndUsers (the admin RPC's
// set_groups_and_users equivalent).
type Group struct {
	Name          string `validate:"required"`
	VFSRoot       string `validate:"required"`
	ReadOnly      bool
	BandwidthIn   int64 // bytes/sec, 0 = unlimited; composes with the session bucket
	BandwidthOut  int64
}

// Validate checks struct tags via go-playground/validator.
func (g Group) Validate() error { return validate.Struct(g) }

// User is spec §3's User record.
type User struct {
	Name       string `validate:"required"`
	Groups     []string
	Credential Credential
	VFSRoot    string `validate:"required"`
	Disabled   bool
}

// Validate checks struct tags via go-playground/validator.
func (u User) Validate() error { return validate.Struct(u) }

// EqualName compares usernames per spec §3: case-insensitive on
// Windows-like systems, case-sensitive elsewhere.
func EqualName(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// MethodSet is a bitmask over authentication methods, per spec §3's
// "available-methods set": an ordered list of these, authentication
// succeeds when the client's completed set equals any element.
type MethodSet uint32

const (
	MethodPassword MethodSet = 1 << iota
	MethodImpersonationToken
)

// Clear removes m from the set ("methods get cleared as they are
// satisfied"). An empty set means authentication is complete.
func (s MethodSet) Clear(m MethodSet) MethodSet { return s &^ m }

// AvailableMethods is the ordered list of acceptable completed-method sets.
type AvailableMethods []MethodSet

// Satisfies reports whether completed equals any element of the list.
func (a AvailableMethods) Satisfies(completed MethodSet) bool {
	for _, m := range a {
		if m == completed {
			return true
		}
	}
	return false
}

// Database is the local user/group store: a flat, in-memory table guarded
// by a single mutex, matching spec §5's "Settings & ACL lists" locking
// discipline (one mutex for the scope of each read/write). Persistence is
// delegated to an xmlcfg.Archiver by the caller; Database itself never
// touches disk.
type Database struct {
	mu     sync.RWMutex
	users  map[string]User
	groups map[string]Group
}

// NewDatabase returns an empty Database.
func NewDatabase() *Database {
	return &Database{
		users:  make(map[string]User),
		groups: make(map[string]Group),
	}
}

// SetGroupsAndUsers atomically replaces the entire user and group tables,
// mirroring the admin RPC's set_groups_and_users command (spec §4.4): the
// only way groups/users are mutated outside of this bulk operation.
func (d *Database) SetGroupsAndUsers(groups []Group, users []User) error {
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return err
		}
	}
	for _, u := range users {
		if err := u.Validate(); err != nil {
			return err
		}
	}
	gm := make(map[string]Group, len(groups))
	for _, g := range groups {
		gm[g.Name] = g
	}
	um := make(map[string]User, len(users))
	for _, u := range users {
		um[normalizeName(u.Name)] = u
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = gm
	d.users = um
	return nil
}

func normalizeName(name string) string {
	if runtime.GOOS == "windows" {
		return strings.ToLower(name)
	}
	return name
}

// Lookup returns the user by name (applying the platform's case rule) and
// whether it was found and enabled.
func (d *Database) Lookup(name string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[normalizeName(name)]
	if !ok || u.Disabled {
		return User{}, false
	}
	return u, true
}

// GroupsFor returns the Group records a user belongs to, in membership
// order, skipping names that no longer resolve to a group.
func (d *Database) GroupsFor(u User) []Group {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Group, 0, len(u.Groups))
	for _, name := range u.Groups {
		if g, ok := d.groups[name]; ok {
			out = append(out, g)
		}
	}
	return out
}

// FSRootResolver adapts db to the (user, pass, host) -> (rootPath,
// readOnly, error) shape server.FSDriver's WithAuthenticator hook expects.
// It independently re-verifies the password (CredImpersonationOnly
// excepted, since that scheme never verifies via FTP password) against the
// stored Credential, so it is safe to wire on its own even without an
// IP-aware Authenticator layered in front of it for throttling.
func FSRootResolver(db *Database) func(user, pass, host string) (string, bool, error) {
	return func(user, pass, host string) (string, bool, error) {
		u, ok := db.Lookup(user)
		if !ok {
			return "", false, ErrInvalidCredentials
		}
		if u.Credential.Scheme != CredImpersonationOnly && !u.Credential.VerifyPassword(pass) {
			return "", false, ErrInvalidCredentials
		}

		root := u.VFSRoot
		readOnly := false
		for _, g := range db.GroupsFor(u) {
			if root == "" {
				root = g.VFSRoot
			}
			if g.ReadOnly {
				readOnly = true
			}
		}
		if root == "" {
			return "", false, errors.New("auth: no VFS root configured for user")
		}
		return root, readOnly, nil
	}
}
