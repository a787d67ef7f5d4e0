// Package catalog holds the read-mostly set of check-in targets.
//
// Targets are defined by content collaborators. The server and the client
// load the same YAML file; an embedded copy of the pilgrimage circuit is used
// when no file is configured.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"pilgrim_sync/internal/geo"
)

//go:embed targets.yaml
var defaultTargets []byte

// ErrUnknownTarget is returned when a target id is not in the catalog.
var ErrUnknownTarget = errors.New("unknown target")

type file struct {
	Targets []geo.Target `yaml:"targets"`
}

// Catalog is a concurrency-safe target lookup.
type Catalog struct {
	mu      sync.RWMutex
	byID    map[string]geo.Target
	ordered []geo.Target

	onReload func(n int)
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultTargets)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := c.replace(data); err != nil {
		return nil, err
	}
	return c, nil
}

// New builds a catalog from targets directly, mainly for tests.
func New(targets ...geo.Target) *Catalog {
	c := &Catalog{}
	c.set(targets)
	return c
}

// OnReload sets a callback invoked after a successful reload.
func (c *Catalog) OnReload(fn func(n int)) {
	c.mu.Lock()
	c.onReload = fn
	c.mu.Unlock()
}

func (c *Catalog) replace(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Targets))
	for _, t := range f.Targets {
		if t.ID == "" {
			return errors.New("parse catalog: target without id")
		}
		if seen[t.ID] {
			return fmt.Errorf("parse catalog: duplicate target %q", t.ID)
		}
		seen[t.ID] = true
		if err := t.Coordinate.Validate(); err != nil {
			return fmt.Errorf("parse catalog: target %q: %w", t.ID, err)
		}
		if t.ProximityRadiusMeters <= 0 {
			return fmt.Errorf("parse catalog: target %q: radius must be positive", t.ID)
		}
	}
	c.set(f.Targets)
	return nil
}

func (c *Catalog) set(targets []geo.Target) {
	byID := make(map[string]geo.Target, len(targets))
	ordered := make([]geo.Target, len(targets))
	copy(ordered, targets)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	for _, t := range ordered {
		byID[t.ID] = t
	}

	c.mu.Lock()
	c.byID = byID
	c.ordered = ordered
	cb := c.onReload
	c.mu.Unlock()

	if cb != nil {
		cb(len(ordered))
	}
}

// Lookup returns the target with the given id.
func (c *Catalog) Lookup(id string) (geo.Target, error) {
	c.mu.RLock()
	t, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok {
		return geo.Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return t, nil
}

// All returns every target sorted by pilgrimage order.
func (c *Catalog) All() []geo.Target {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]geo.Target, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Len returns the number of targets.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ordered)
}
