package definition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var ErrDefinitionNotFound = errors.New("task definition not found")

// Catalog holds validated definitions keyed by namespace, name and version.
type Catalog struct {
	mu     sync.RWMutex
	defs   map[Ref]Definition
	logger *slog.Logger
}

func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		defs:   make(map[Ref]Definition),
		logger: logger,
	}
}

// Register validates def and stores it, replacing any definition with the same ref.
func (c *Catalog) Register(def Definition) error {
	if err := Validate(def); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Ref] = def
	return nil
}

// Lookup returns the definition for namespace/name. Version 0 selects the
// highest registered version.
func (c *Catalog) Lookup(namespace, name string, version int) (Definition, error) {
	namespace = strings.TrimSpace(namespace)
	name = strings.TrimSpace(name)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if version > 0 {
		def, ok := c.defs[Ref{Namespace: namespace, Name: name, Version: version}]
		if !ok {
			return Definition{}, fmt.Errorf("%w: %s/%s@v%d", ErrDefinitionNotFound, namespace, name, version)
		}
		return def, nil
	}

	var (
		best  Definition
		found bool
	)
	for ref, def := range c.defs {
		if ref.Namespace != namespace || ref.Name != name {
			continue
		}
		if !found || ref.Version > best.Ref.Version {
			best = def
			found = true
		}
	}
	if !found {
		return Definition{}, fmt.Errorf("%w: %s/%s", ErrDefinitionNotFound, namespace, name)
	}
	return best, nil
}

// List returns every registered definition ordered by ref.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	out := make([]Definition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Ref, out[j].Ref
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
	return out
}

// LoadDir registers every *.yaml / *.yml file in dir. All files are attempted;
// failures are joined into the returned error.
func (c *Catalog) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read definitions dir: %w", err)
	}
	var (
		loaded int
		errs   []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		if err := c.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Watch reloads definition files in dir as they change until ctx is done.
// Invalid files are logged and the previously registered version is kept.
func (c *Catalog) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create definitions watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch definitions dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isDefinitionFile(ev.Name) || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if err := c.loadFile(ev.Name); err != nil {
					c.logger.Warn("definition reload rejected", "file", ev.Name, "error", err)
					continue
				}
				c.logger.Info("definition reloaded", "file", ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("definitions watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (c *Catalog) loadFile(path string) error {
	def, err := LoadFile(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.defs[def.Ref] = def
	c.mu.Unlock()
	return nil
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
