package module

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/journeyman/internal/action"
)

// Module is a loaded module-path entry: a validated manifest bound to the
// compiled-in provider it names.
type Module struct {
	Name     string
	Path     string
	Version  string
	Provider action.Provider
	Exposes  []string
}

// Set is an ordered, loaded module path. Order matters twice over: it is
// identity in the fingerprint, and earlier modules win action-type
// collisions.
type Set struct {
	modules []*Module
}

// Load resolves each module-path entry against the catalog, in order. A
// broken entry is fatal: a daemon started for a module path must be able
// to serve every action the path promises. Duplicate module names keep
// the first loaded entry.
func Load(paths []string, catalog *action.Catalog, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if catalog == nil {
		return nil, fmt.Errorf("a provider catalog is required")
	}

	set := &Set{}
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve module path %q: %w", p, err)
		}

		mod, err := loadModule(abs, catalog)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", abs, err)
		}

		if kept, dup := seen[mod.Name]; dup {
			logger.Warn("duplicate module ignored (keeping first loaded)",
				"module", mod.Name,
				"ignored_path", mod.Path,
				"kept_path", kept,
			)
			continue
		}
		seen[mod.Name] = mod.Path
		set.modules = append(set.modules, mod)
		logger.Debug("loaded module",
			"module", mod.Name,
			"path", mod.Path,
			"provider", mod.Provider.Name(),
			"version", mod.Version,
		)
	}
	return set, nil
}

// loadModule reads and validates a single module directory.
func loadModule(dir string, catalog *action.Catalog) (*Module, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("module directory does not exist")
		}
		return nil, fmt.Errorf("failed to stat module directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("module path is not a directory")
	}
	if info.Mode().Perm()&0002 != 0 {
		return nil, fmt.Errorf("module directory is world-writable")
	}

	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	provider, ok := catalog.Get(manifest.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %q is not compiled into this binary", manifest.Provider)
	}

	return &Module{
		Name:     manifest.Name,
		Path:     dir,
		Version:  manifest.Version,
		Provider: provider,
		Exposes:  manifest.Exposes,
	}, nil
}

// Instantiate builds the isolated resolution scope for this module path.
// Shared action types resolve from the base scope and shadow any module
// binding of the same type; modules fill the rest in path order.
func (s *Set) Instantiate(base *action.Registry, sharedTypes []string) (*action.Registry, error) {
	isolated := action.NewRegistry()

	for _, shared := range sharedTypes {
		if base == nil {
			return nil, fmt.Errorf("shared action type %q requested but no base scope given", shared)
		}
		fn, ok := base.Lookup(shared)
		if !ok {
			return nil, fmt.Errorf("shared action type %q is not available in the base scope", shared)
		}
		if err := isolated.Register(shared, fn); err != nil {
			return nil, err
		}
	}

	for _, mod := range s.modules {
		staged := action.NewRegistry()
		if err := mod.Provider.Register(staged); err != nil {
			return nil, fmt.Errorf("module %s: provider %q failed to register: %w", mod.Name, mod.Provider.Name(), err)
		}

		exposed := mod.Exposes
		if len(exposed) == 0 {
			exposed = staged.Types()
		}
		for _, actionType := range exposed {
			fn, ok := staged.Lookup(actionType)
			if !ok {
				return nil, fmt.Errorf("module %s exposes %q but provider %q does not implement it", mod.Name, actionType, mod.Provider.Name())
			}
			if _, taken := isolated.Lookup(actionType); taken {
				// first binding wins
				continue
			}
			if err := isolated.Register(actionType, fn); err != nil {
				return nil, err
			}
		}
	}
	return isolated, nil
}

// Modules returns the loaded modules in path order.
func (s *Set) Modules() []*Module {
	return s.modules
}

// Len returns the number of loaded modules.
func (s *Set) Len() int {
	return len(s.modules)
}
