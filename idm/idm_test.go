package idm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fake directory counting lookups, for cache behaviour
type fakeDirectory struct {
	users  map[int]*User
	groups map[int]*Group
	hits   int
}

func (f *fakeDirectory) User(uid int) (*User, error) {
	f.hits++
	if u, ok := f.users[uid]; ok {
		return u, nil
	}
	return nil, ErrNoSuchIdentity
}

func (f *fakeDirectory) Group(gid int) (*Group, error) {
	f.hits++
	if g, ok := f.groups[gid]; ok {
		return g, nil
	}
	return nil, ErrNoSuchIdentity
}

func newFakeDirectory() *fakeDirectory {
	alice := &User{UID: 1001, Name: "alice", Email: "alice@example.com"}
	bob := &User{UID: 3001, Name: "bob", Email: "bob@example.com"}
	return &fakeDirectory{
		users: map[int]*User{1001: alice, 3001: bob},
		groups: map[int]*Group{
			2001: {GID: 2001, Name: "proj", Owners: []*User{bob}, Members: []*User{alice, bob}},
		},
	}
}

func TestCachedUser(t *testing.T) {
	dir := newFakeDirectory()
	cache := NewCached(dir)

	for i := 0; i < 3; i++ {
		u, err := cache.User(1001)
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Name)
	}
	assert.Equal(t, 1, dir.hits)
}

func TestCachedGroup(t *testing.T) {
	dir := newFakeDirectory()
	cache := NewCached(dir)

	g, err := cache.Group(2001)
	require.NoError(t, err)
	require.Len(t, g.Owners, 1)
	assert.Equal(t, 3001, g.Owners[0].UID)

	_, err = cache.Group(2001)
	require.NoError(t, err)
	assert.Equal(t, 1, dir.hits)
}

func TestNoSuchIdentity(t *testing.T) {
	cache := NewCached(newFakeDirectory())

	_, err := cache.User(9999)
	assert.ErrorIs(t, err, ErrNoSuchIdentity)

	_, err = cache.Group(9999)
	assert.ErrorIs(t, err, ErrNoSuchIdentity)
}
