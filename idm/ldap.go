package idm

import (
	"fmt"
	"strconv"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/config"
)

// This is a quick-and-dirty LDAP client that provides exactly the
// lookups we need; it is not meant for general-purpose use.

// LDAP resolves identities against an LDAP directory
type LDAP struct {
	cfg  config.Identity
	conn *ldap.Conn
}

// NewLDAP connects (anonymously, read-only) to the configured server
func NewLDAP(cfg config.Identity) (*LDAP, error) {
	conn, err := ldap.DialURL(fmt.Sprintf("ldap://%s:%d", cfg.LDAP.Host, cfg.LDAP.Port))
	if err != nil {
		return nil, errors.Wrap(err, "could not reach LDAP server")
	}
	if err := conn.UnauthenticatedBind(""); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "could not bind to LDAP server")
	}
	return &LDAP{cfg: cfg, conn: conn}, nil
}

// Close drops the directory connection
func (l *LDAP) Close() error {
	return l.conn.Close()
}

func (l *LDAP) search(dn, filter string, attributes []string) ([]*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		dn, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, filter, attributes, nil,
	)
	res, err := l.conn.Search(req)
	if err != nil {
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, errors.Wrapf(ErrNoSuchIdentity, "no entries under %s matching %s", dn, filter)
	}
	return res.Entries, nil
}

// User resolves a uid
func (l *LDAP) User(uid int) (*User, error) {
	attrs := l.cfg.Users.Attributes
	entries, err := l.search(l.cfg.Users.DN,
		fmt.Sprintf("(%s=%d)", attrs.UID, uid),
		[]string{attrs.UID, attrs.Name, attrs.Email})
	if err != nil {
		return nil, err
	}

	entry := entries[0]
	return &User{
		UID:   uid,
		Name:  entry.GetAttributeValue(attrs.Name),
		Email: entry.GetAttributeValue(attrs.Email),
	}, nil
}

// Group resolves a gid, including its owners and members
func (l *LDAP) Group(gid int) (*Group, error) {
	attrs := l.cfg.Groups.Attributes
	entries, err := l.search(l.cfg.Groups.DN,
		fmt.Sprintf("(%s=%d)", attrs.GID, gid),
		[]string{attrs.GID, "cn", attrs.Owners, attrs.Members})
	if err != nil {
		return nil, err
	}

	entry := entries[0]
	group := &Group{GID: gid, Name: entry.GetAttributeValue("cn")}

	group.Owners, err = l.resolveDNs(entry.GetAttributeValues(attrs.Owners))
	if err != nil {
		return nil, err
	}
	group.Members, err = l.resolveDNs(entry.GetAttributeValues(attrs.Members))
	if err != nil {
		return nil, err
	}
	return group, nil
}

// resolveDNs turns a list of member/owner DNs into users
func (l *LDAP) resolveDNs(dns []string) ([]*User, error) {
	users := make([]*User, 0, len(dns))
	for _, dn := range dns {
		user, err := l.userByDN(dn)
		if err != nil {
			if errors.Is(err, ErrNoSuchIdentity) {
				// Groups can reference identities that have been
				// retired from the user tree
				continue
			}
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (l *LDAP) userByDN(dn string) (*User, error) {
	attrs := l.cfg.Users.Attributes
	req := ldap.NewSearchRequest(
		dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, 0, false, "(objectClass=*)",
		[]string{attrs.UID, attrs.Name, attrs.Email}, nil,
	)
	res, err := l.conn.Search(req)
	if err != nil || len(res.Entries) == 0 {
		return nil, errors.Wrapf(ErrNoSuchIdentity, "cannot resolve %s", dn)
	}

	entry := res.Entries[0]
	uid, err := strconv.Atoi(entry.GetAttributeValue(attrs.UID))
	if err != nil {
		return nil, errors.Wrapf(ErrNoSuchIdentity, "%s has no numeric %s", dn, attrs.UID)
	}
	return &User{
		UID:   uid,
		Name:  entry.GetAttributeValue(attrs.Name),
		Email: entry.GetAttributeValue(attrs.Email),
	}, nil
}
