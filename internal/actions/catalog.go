package actions

import "github.com/mattjoyce/journeyman/internal/action"

// DefaultCatalog builds the catalog of providers linked into this binary.
// The pool process and the worker subcommand both call this, so every
// provider resolves identically on either side of the process boundary.
func DefaultCatalog() (*action.Catalog, error) {
	catalog := action.NewCatalog()
	providers := []action.Provider{
		EchoProvider{},
	}
	for _, p := range providers {
		if err := catalog.Add(p); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}
