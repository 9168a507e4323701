package directory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/hubgate/internal/util"
	"github.com/jmcleod/hubgate/storage"
)

const (
	bucket        = "directory"
	lastLoginType = "last_login"
)

// roleCapabilities expands the built-in roles a users file may name.
var roleCapabilities = map[string][]string{
	"administrator": {CapManageOptions, CapUpdatePlugins, CapUpdateThemes, CapUpdateCore},
	"editor":        {},
	"subscriber":    {},
}

// UserEntry is one user in a users file.
type UserEntry struct {
	ID           string   `yaml:"id"`
	Login        string   `yaml:"login"`
	DisplayName  string   `yaml:"display_name"`
	Role         string   `yaml:"role"`
	Capabilities []string `yaml:"capabilities"`
}

type usersFile struct {
	Users []UserEntry `yaml:"users"`
}

// Static is a fixed user list with last-login times kept in a Repository.
type Static struct {
	byID    map[string]User
	byLogin map[string]string
	repo    storage.Repository
}

var _ Directory = (*Static)(nil)

func loginKey(login string) string {
	return strings.ToLower(util.NormalizeLogin(login))
}

// NewStatic builds a directory from entries. Ids and logins must be unique
// and non-empty.
func NewStatic(entries []UserEntry, repo storage.Repository) (*Static, error) {
	d := &Static{
		byID:    make(map[string]User, len(entries)),
		byLogin: make(map[string]string, len(entries)),
		repo:    repo,
	}
	for i, e := range entries {
		key := loginKey(e.Login)
		if e.ID == "" || key == "" {
			return nil, fmt.Errorf("user %d: id and login are required", i)
		}
		if _, dup := d.byID[e.ID]; dup {
			return nil, fmt.Errorf("user %d: duplicate id %q", i, e.ID)
		}
		if _, dup := d.byLogin[key]; dup {
			return nil, fmt.Errorf("user %d: duplicate login %q", i, e.Login)
		}

		caps := slices.Clone(e.Capabilities)
		if e.Role != "" {
			roleCaps, ok := roleCapabilities[e.Role]
			if !ok {
				return nil, fmt.Errorf("user %d: unknown role %q", i, e.Role)
			}
			caps = append(caps, roleCaps...)
		}
		slices.Sort(caps)
		caps = slices.Compact(caps)

		d.byID[e.ID] = User{
			ID:           e.ID,
			Login:        util.NormalizeLogin(e.Login),
			DisplayName:  e.DisplayName,
			Capabilities: caps,
		}
		d.byLogin[key] = e.ID
	}
	return d, nil
}

// LoadFile reads a YAML users file.
func LoadFile(path string, repo storage.Repository) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}
	return NewStatic(f.Users, repo)
}

func (d *Static) LookupByLogin(_ context.Context, login string) (User, error) {
	id, ok := d.byLogin[loginKey(login)]
	if !ok {
		return User{}, fmt.Errorf("%q: %w", login, ErrUserNotFound)
	}
	return d.byID[id], nil
}

func (d *Static) Lookup(_ context.Context, id string) (User, error) {
	u, ok := d.byID[id]
	if !ok {
		return User{}, fmt.Errorf("id %q: %w", id, ErrUserNotFound)
	}
	return u, nil
}

func (d *Static) RecordLogin(ctx context.Context, id string, at time.Time) error {
	if _, ok := d.byID[id]; !ok {
		return fmt.Errorf("id %q: %w", id, ErrUserNotFound)
	}
	return d.repo.Put(ctx, bucket, lastLoginType, id, []byte(at.UTC().Format(time.RFC3339)))
}

// LastLogin returns the last recorded login time of the user.
func (d *Static) LastLogin(ctx context.Context, id string) (time.Time, bool, error) {
	raw, err := d.repo.Get(ctx, bucket, lastLoginType, id)
	if storage.IsNotFound(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing last login: %w", err)
	}
	return t, true, nil
}
