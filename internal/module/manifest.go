package module

import (
	"fmt"
	"strings"
)

const (
	// SupportedProtocol is the manifest protocol this binary understands.
	SupportedProtocol = 1

	// ManifestFilename is the required manifest inside a module directory.
	ManifestFilename = "module.yaml"
)

// Manifest defines the structure of a module's module.yaml file. A module
// directory binds one compiled-in provider and may narrow the action types
// it exposes; an empty exposes list exposes everything the provider
// implements.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version,omitempty"`
	Protocol    int      `yaml:"protocol"`
	Provider    string   `yaml:"provider"`
	Exposes     []string `yaml:"exposes,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != SupportedProtocol {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, SupportedProtocol)
	}
	if strings.TrimSpace(m.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	for _, e := range m.Exposes {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("exposes contains an empty action type")
		}
	}
	return nil
}
