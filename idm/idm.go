// Package idm resolves users and groups against an identity directory.
//
// Lookups hit LDAP; results are held in an expiring cache because the
// sweep phase resolves the same handful of identities for every file
// it walks.
package idm

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/config"
)

// ErrNoSuchIdentity is returned when a uid or gid cannot be resolved.
// The sweeper treats this as fatal, so silently-undeletable files
// surface rather than being skipped.
var ErrNoSuchIdentity = errors.New("no such identity")

// User is a directory user
type User struct {
	UID   int
	Name  string
	Email string
}

func (u *User) String() string {
	return fmt.Sprintf("uid=%d(%s)", u.UID, u.Name)
}

// Group is a directory group with its owners and members
type Group struct {
	GID     int
	Name    string
	Owners  []*User
	Members []*User
}

func (g *Group) String() string {
	return fmt.Sprintf("gid=%d(%s)", g.GID, g.Name)
}

// IdM is the identity manager interface
type IdM interface {
	// User resolves a uid, or returns ErrNoSuchIdentity
	User(uid int) (*User, error)
	// Group resolves a gid, or returns ErrNoSuchIdentity
	Group(gid int) (*Group, error)
}

// Identity cache tuning
const (
	cacheExpiry  = 15 * time.Minute
	cacheCleanup = 30 * time.Minute
)

type cached struct {
	inner IdM
	cache *gocache.Cache
}

// NewCached wraps an identity manager with an expiring cache
func NewCached(inner IdM) IdM {
	return &cached{
		inner: inner,
		cache: gocache.New(cacheExpiry, cacheCleanup),
	}
}

func (c *cached) User(uid int) (*User, error) {
	key := fmt.Sprintf("u:%d", uid)
	if hit, ok := c.cache.Get(key); ok {
		return hit.(*User), nil
	}
	user, err := c.inner.User(uid)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, user)
	return user, nil
}

func (c *cached) Group(gid int) (*Group, error) {
	key := fmt.Sprintf("g:%d", gid)
	if hit, ok := c.cache.Get(key); ok {
		return hit.(*Group), nil
	}
	group, err := c.inner.Group(gid)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, group)
	return group, nil
}

// New builds the production identity manager: LDAP behind a cache
func New(cfg config.Identity) (IdM, error) {
	directory, err := NewLDAP(cfg)
	if err != nil {
		return nil, err
	}
	return NewCached(directory), nil
}
