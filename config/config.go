// Package config loads and validates the vaultrc configuration file.
//
// The file is YAML; it is looked up with the precedence $VAULTRC >
// ~/.vaultrc > /etc/vaultrc.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Errors returned while loading configuration
var (
	ErrNotFound = errors.New("no configuration file found")
	ErrInvalid  = errors.New("invalid configuration")
)

// Days is a duration expressed in whole days
type Days int

// Duration converts to a time.Duration
func (d Days) Duration() time.Duration { return time.Duration(d) * 24 * time.Hour }

// Hours is a duration expressed in whole hours
type Hours int

// Duration converts to a time.Duration
func (h Hours) Duration() time.Duration { return time.Duration(h) * time.Hour }

// LDAP is the connection configuration for the identity directory
type LDAP struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Attributes maps entity fields to directory attribute names
type Attributes struct {
	UID     string `yaml:"uid"`
	Name    string `yaml:"name"`
	Email   string `yaml:"email"`
	GID     string `yaml:"gid"`
	Owners  string `yaml:"owners"`
	Members string `yaml:"members"`
}

// Entity is a DN plus its attribute mapping
type Entity struct {
	DN         string     `yaml:"dn"`
	Attributes Attributes `yaml:"attributes"`
}

// Identity is the identity-management configuration
type Identity struct {
	LDAP   LDAP   `yaml:"ldap"`
	Users  Entity `yaml:"users"`
	Groups Entity `yaml:"groups"`
}

// Postgres is the connection configuration for the database
type Postgres struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Persistence is the database configuration
type Persistence struct {
	Postgres Postgres `yaml:"postgres"`
	Database string   `yaml:"database"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
}

// SMTP is the mail relay configuration
type SMTP struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`
}

// Email is the notification configuration
type Email struct {
	SMTP   SMTP   `yaml:"smtp"`
	Sender string `yaml:"sender"`
}

// Deletion holds the retention thresholds
type Deletion struct {
	Threshold Days    `yaml:"threshold"` // age at which untracked files are soft-deleted
	Limbo     Days    `yaml:"limbo"`     // grace period for soft-deleted files
	Warnings  []Hours `yaml:"warnings"`  // hours-before-deletion checkpoints
	Keep      Days    `yaml:"keep"`      // optional: age at which kept files are untracked (0 = never)
}

// Archive is the downstream handler configuration
type Archive struct {
	Threshold int    `yaml:"threshold"` // staged files required before draining
	Handler   string `yaml:"handler"`   // path to the handler executable
}

// Config is the whole vaultrc schema
type Config struct {
	Identity       Identity    `yaml:"identity"`
	Persistence    Persistence `yaml:"persistence"`
	Email          Email       `yaml:"email"`
	Deletion       Deletion    `yaml:"deletion"`
	Archive        Archive     `yaml:"archive"`
	MinGroupOwners int         `yaml:"min_group_owners"`
	RunInterval    Hours       `yaml:"sandman_run_interval"`
}

// Maximum permissible warning checkpoint (90 days)
const maxWarning = Hours(2160)

// Path returns the configuration file to use, with the precedence
// $VAULTRC > ~/.vaultrc > /etc/vaultrc, or ErrNotFound if none exists.
func Path() (string, error) {
	candidates := make([]string, 0, 3)
	if rc := os.Getenv("VAULTRC"); rc != "" {
		candidates = append(candidates, rc)
	}
	if home, err := homedir.Dir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".vaultrc"))
	}
	candidates = append(candidates, "/etc/vaultrc")

	for _, path := range candidates {
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", ErrNotFound
}

// Load reads and validates the configuration at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "%q", path)
	}

	cfg := defaults()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "could not parse %q: %v", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Identity: Identity{
			LDAP: LDAP{Port: 389},
			Users: Entity{
				Attributes: Attributes{Name: "cn", Email: "mail"},
			},
			Groups: Entity{
				Attributes: Attributes{Owners: "owner", Members: "member"},
			},
		},
		Persistence:    Persistence{Postgres: Postgres{Port: 5432}},
		Email:          Email{SMTP: SMTP{Port: 25}},
		MinGroupOwners: 1,
		RunInterval:    24,
	}
}

func (c *Config) validate() error {
	required := []struct {
		name  string
		unset bool
	}{
		{"identity.ldap.host", c.Identity.LDAP.Host == ""},
		{"identity.users.dn", c.Identity.Users.DN == ""},
		{"identity.users.attributes.uid", c.Identity.Users.Attributes.UID == ""},
		{"identity.groups.dn", c.Identity.Groups.DN == ""},
		{"identity.groups.attributes.gid", c.Identity.Groups.Attributes.GID == ""},
		{"persistence.postgres.host", c.Persistence.Postgres.Host == ""},
		{"persistence.database", c.Persistence.Database == ""},
		{"persistence.user", c.Persistence.User == ""},
		{"email.smtp.host", c.Email.SMTP.Host == ""},
		{"email.sender", c.Email.Sender == ""},
		{"deletion.threshold", c.Deletion.Threshold <= 0},
		{"deletion.limbo", c.Deletion.Limbo <= 0},
		{"archive.threshold", c.Archive.Threshold <= 0},
		{"archive.handler", c.Archive.Handler == ""},
	}
	for _, r := range required {
		if r.unset {
			return errors.Wrapf(ErrInvalid, "%s must be set", r.name)
		}
	}

	for _, h := range c.Deletion.Warnings {
		if h <= 0 || h > maxWarning {
			return errors.Wrapf(ErrInvalid, "deletion.warnings entries must be in (0, %d] hours", maxWarning)
		}
	}

	// Checkpoints are handled smallest first
	sort.Slice(c.Deletion.Warnings, func(i, j int) bool {
		return c.Deletion.Warnings[i] < c.Deletion.Warnings[j]
	})

	if c.Deletion.Keep < 0 {
		return errors.Wrapf(ErrInvalid, "deletion.keep must not be negative")
	}
	if c.MinGroupOwners < 1 {
		return errors.Wrapf(ErrInvalid, "min_group_owners must be at least 1")
	}
	return nil
}
