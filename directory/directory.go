// Package directory resolves site users and their capabilities.
package directory

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Capabilities the gateway checks.
const (
	CapManageOptions = "manage_options"
	CapUpdatePlugins = "update_plugins"
	CapUpdateThemes  = "update_themes"
	CapUpdateCore    = "update_core"
)

// ErrUserNotFound is returned when no user matches.
var ErrUserNotFound = errors.New("user not found")

// User is a site account.
type User struct {
	ID           string
	Login        string
	DisplayName  string
	Capabilities []string
}

// Can reports whether u holds capability.
func (u User) Can(capability string) bool {
	return slices.Contains(u.Capabilities, capability)
}

// Directory is the host user directory.
type Directory interface {
	LookupByLogin(ctx context.Context, login string) (User, error)
	Lookup(ctx context.Context, id string) (User, error)
	// RecordLogin stores the time of the user's last interactive login.
	RecordLogin(ctx context.Context, id string, at time.Time) error
}
