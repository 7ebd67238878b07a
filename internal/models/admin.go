package models

import (
	"sort"
	"strings"
	"time"
)

type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin
}

type AdminRecord struct {
	Username string    `json:"username"`
	Role     Role      `json:"role"`
	AddedBy  string    `json:"addedBy"`
	AddedAt  time.Time `json:"addedAt"`
}

// Roster is the whole admin set. It is stored as a single document so that
// username uniqueness and the owner floor are checked in one conditional write.
type Roster struct {
	Admins []AdminRecord `json:"admins"`

	Version int64 `json:"-"`
}

func (r *Roster) Find(username string) (AdminRecord, bool) {
	for _, a := range r.Admins {
		if a.Username == username {
			return a, true
		}
	}
	return AdminRecord{}, false
}

func (r *Roster) Owners() int {
	n := 0
	for _, a := range r.Admins {
		if a.Role == RoleOwner {
			n++
		}
	}
	return n
}

func (r *Roster) Without(username string) []AdminRecord {
	out := make([]AdminRecord, 0, len(r.Admins))
	for _, a := range r.Admins {
		if a.Username != username {
			out = append(out, a)
		}
	}
	return out
}

// LinkedGroup is the chat that new entries target by default.
type LinkedGroup struct {
	ChatID   int64     `json:"chatId"`
	Title    string    `json:"title"`
	LinkedBy string    `json:"linkedBy"`
	LinkedAt time.Time `json:"linkedAt"`

	Version int64 `json:"-"`
}

// SubjectCatalogue is the list of known subjects per batch. Subjects with
// no batch are kept under the empty key.
type SubjectCatalogue struct {
	Batches map[string][]string `json:"batches"`

	Version int64 `json:"-"`
}

// Add records subject under batch and reports whether it was new. Subjects
// compare case-insensitively.
func (c *SubjectCatalogue) Add(batch, subject string) bool {
	for _, s := range c.Batches[batch] {
		if strings.EqualFold(s, subject) {
			return false
		}
	}
	if c.Batches == nil {
		c.Batches = make(map[string][]string)
	}
	c.Batches[batch] = append(c.Batches[batch], subject)
	return true
}

// BatchNames returns the batches in sorted order.
func (c *SubjectCatalogue) BatchNames() []string {
	names := make([]string, 0, len(c.Batches))
	for b := range c.Batches {
		names = append(names, b)
	}
	sort.Strings(names)
	return names
}
