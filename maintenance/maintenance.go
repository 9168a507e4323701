// Package maintenance defines the update inventory and update execution the
// gateway exposes to an authorized hub.
package maintenance

import "context"

// CoreUpdate describes an available core release.
type CoreUpdate struct {
	Current string `json:"current" yaml:"current"`
	Version string `json:"version" yaml:"version"`
}

// ItemUpdate describes an available theme or plugin release.
type ItemUpdate struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Current string `json:"current"`
	Version string `json:"version"`
}

// Result is the outcome of updating one component.
type Result struct {
	Slug    string `json:"slug,omitempty"`
	Success bool   `json:"success"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Updater enumerates and applies updates.
type Updater interface {
	// CoreUpdate returns the pending core release, or nil when core is
	// current.
	CoreUpdate(ctx context.Context) (*CoreUpdate, error)
	ThemeUpdates(ctx context.Context) ([]ItemUpdate, error)
	PluginUpdates(ctx context.Context) ([]ItemUpdate, error)
	UpdatePlugins(ctx context.Context, slugs []string) ([]Result, error)
	UpdateThemes(ctx context.Context, slugs []string) ([]Result, error)
	UpdateCore(ctx context.Context) (Result, error)
}
