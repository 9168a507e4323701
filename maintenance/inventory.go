package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Component is an installed theme or plugin in an inventory file.
type Component struct {
	Slug      string `yaml:"slug"`
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Available string `yaml:"available,omitempty"`
}

func (c Component) pending() bool {
	return c.Available != "" && c.Available != c.Version
}

// Core is the installed core release in an inventory file.
type Core struct {
	Version   string `yaml:"version"`
	Available string `yaml:"available,omitempty"`
}

type inventoryFile struct {
	Core    Core        `yaml:"core"`
	Themes  []Component `yaml:"themes"`
	Plugins []Component `yaml:"plugins"`
}

func (f inventoryFile) clone() inventoryFile {
	f.Themes = slices.Clone(f.Themes)
	f.Plugins = slices.Clone(f.Plugins)
	return f
}

// Inventory is an Updater over a YAML description of the installed
// components. Applying an update bumps the installed version to the
// available one and, when the inventory was loaded from a file, writes the
// file back. An update whose write fails is not applied.
type Inventory struct {
	mu   sync.Mutex
	path string
	data inventoryFile
}

var _ Updater = (*Inventory)(nil)

// NewInventory returns an in-memory Inventory.
func NewInventory(core Core, themes, plugins []Component) *Inventory {
	return &Inventory{data: inventoryFile{
		Core:    core,
		Themes:  append([]Component(nil), themes...),
		Plugins: append([]Component(nil), plugins...),
	}}
}

// LoadInventory reads an inventory file. A missing file yields an empty
// inventory that will be created on the first update.
func LoadInventory(path string) (*Inventory, error) {
	inv := &Inventory{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return inv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	if err := yaml.Unmarshal(data, &inv.data); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}
	return inv, nil
}

func (inv *Inventory) CoreUpdate(_ context.Context) (*CoreUpdate, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c := inv.data.Core
	if c.Available == "" || c.Available == c.Version {
		return nil, nil
	}
	return &CoreUpdate{Current: c.Version, Version: c.Available}, nil
}

func (inv *Inventory) ThemeUpdates(_ context.Context) ([]ItemUpdate, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return pendingUpdates(inv.data.Themes), nil
}

func (inv *Inventory) PluginUpdates(_ context.Context) ([]ItemUpdate, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return pendingUpdates(inv.data.Plugins), nil
}

func pendingUpdates(components []Component) []ItemUpdate {
	out := []ItemUpdate{}
	for _, c := range components {
		if c.pending() {
			out = append(out, ItemUpdate{Slug: c.Slug, Name: c.Name, Current: c.Version, Version: c.Available})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (inv *Inventory) UpdatePlugins(_ context.Context, slugs []string) ([]Result, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	next := inv.data.clone()
	results := applyUpdates(next.Plugins, slugs)
	if err := inv.commitLocked(next); err != nil {
		return nil, err
	}
	return results, nil
}

func (inv *Inventory) UpdateThemes(_ context.Context, slugs []string) ([]Result, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	next := inv.data.clone()
	results := applyUpdates(next.Themes, slugs)
	if err := inv.commitLocked(next); err != nil {
		return nil, err
	}
	return results, nil
}

func (inv *Inventory) UpdateCore(_ context.Context) (Result, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c := inv.data.Core
	if c.Available == "" || c.Available == c.Version {
		return Result{Success: false, Version: c.Version, Error: "no update available"}, nil
	}
	next := inv.data.clone()
	next.Core = Core{Version: c.Available}
	if err := inv.commitLocked(next); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Version: next.Core.Version}, nil
}

func applyUpdates(components []Component, slugs []string) []Result {
	results := make([]Result, 0, len(slugs))
	for _, slug := range slugs {
		i := indexOf(components, slug)
		switch {
		case i < 0:
			results = append(results, Result{Slug: slug, Error: "not installed"})
		case !components[i].pending():
			results = append(results, Result{Slug: slug, Version: components[i].Version, Error: "no update available"})
		default:
			components[i].Version = components[i].Available
			components[i].Available = ""
			results = append(results, Result{Slug: slug, Success: true, Version: components[i].Version})
		}
	}
	return results
}

func indexOf(components []Component, slug string) int {
	for i, c := range components {
		if c.Slug == slug {
			return i
		}
	}
	return -1
}

// commitLocked writes next to the inventory file through a temp file and
// rename, and only then makes it the current state.
func (inv *Inventory) commitLocked(next inventoryFile) error {
	if err := inv.writeLocked(next); err != nil {
		return err
	}
	inv.data = next
	return nil
}

func (inv *Inventory) writeLocked(next inventoryFile) error {
	if inv.path == "" {
		return nil
	}
	data, err := yaml.Marshal(&next)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(inv.path), ".inventory-*")
	if err != nil {
		return fmt.Errorf("writing inventory: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing inventory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), inv.path)
}
