// Package doctor validates journeyman configuration, module manifests
// and the worker launch environment.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/journeyman/internal/action"
	"github.com/mattjoyce/journeyman/internal/auth"
	"github.com/mattjoyce/journeyman/internal/config"
	"github.com/mattjoyce/journeyman/internal/log"
	"github.com/mattjoyce/journeyman/internal/module"
	"github.com/mattjoyce/journeyman/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the compiled-in catalog and any
// module directories the caller intends to load.
type Doctor struct {
	cfg        *config.Config
	catalog    *action.Catalog
	moduleDirs []string
}

// New creates a Doctor from a loaded config, the action catalog and the
// module directories to verify.
func New(cfg *config.Config, catalog *action.Catalog, moduleDirs []string) *Doctor {
	return &Doctor{cfg: cfg, catalog: catalog, moduleDirs: moduleDirs}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateLedger(r)
	d.validateWorker(r)
	d.validatePool(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateModules(r)
	d.warnDeprecatedAuth(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

var knownLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if _, ok := knownLevels[strings.ToLower(d.cfg.Service.LogLevel)]; !ok {
		d.addError(r, "service", "service.log_level",
			fmt.Sprintf("unknown log level %q", d.cfg.Service.LogLevel))
	}
}

// validateLedger checks the daemon ledger location.
func (d *Doctor) validateLedger(r *Result) {
	if d.cfg.Ledger.Path == "" {
		d.addError(r, "ledger", "ledger.path", "ledger.path is required")
		return
	}
	if err := storage.ValidateLedgerFilesystem(d.cfg.Ledger.Path); err != nil {
		d.addWarning(r, "ledger", "ledger.path", err.Error())
	}
	if d.cfg.Ledger.Retention <= 0 {
		d.addWarning(r, "ledger", "ledger.retention",
			"retention is not positive; stopped rows will never be pruned")
	}
}

// validateWorker checks the worker binary and its timeouts.
func (d *Doctor) validateWorker(r *Result) {
	if d.cfg.Worker.Binary == "" {
		// Falls back to re-executing ourselves; nothing to check.
	} else if info, err := os.Stat(d.cfg.Worker.Binary); err != nil {
		d.addError(r, "worker", "worker.binary",
			fmt.Sprintf("worker binary not found: %s", d.cfg.Worker.Binary))
	} else if info.IsDir() || info.Mode()&0o111 == 0 {
		d.addError(r, "worker", "worker.binary",
			fmt.Sprintf("worker binary is not executable: %s", d.cfg.Worker.Binary))
	}

	if time.Duration(d.cfg.Worker.HandshakeTimeout) <= 0 {
		d.addError(r, "worker", "worker.handshake_timeout", "handshake_timeout must be positive")
	}
	if time.Duration(d.cfg.Worker.GracePeriod) <= 0 {
		d.addError(r, "worker", "worker.grace_period", "grace_period must be positive")
	}
}

// validatePool sanity-checks lifecycle policy.
func (d *Doctor) validatePool(r *Result) {
	idle := time.Duration(d.cfg.Pool.IdleTimeout)
	sweep := time.Duration(d.cfg.Pool.SweepInterval)

	if idle <= 0 {
		d.addError(r, "pool", "pool.idle_timeout", "idle_timeout must be positive")
	}
	if sweep <= 0 {
		d.addError(r, "pool", "pool.sweep_interval", "sweep_interval must be positive")
	}
	if idle > 0 && sweep > idle {
		d.addWarning(r, "pool", "pool.sweep_interval",
			"sweep_interval exceeds idle_timeout; idle daemons will linger past their deadline")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

var knownScopes = map[string]struct{}{
	"*":                  {},
	auth.ScopeDaemonsRO:  {},
	auth.ScopeDaemonsRW:  {},
	auth.ScopeWorkSubmit: {},
	auth.ScopeEventsRO:   {},
}

// validateTokenScopes checks that scope names are ones the API enforces.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
		for j, scope := range token.Scopes {
			if _, ok := knownScopes[scope]; !ok {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// validateModules loads each module directory's manifest and checks its
// provider resolves in the compiled-in catalog.
func (d *Doctor) validateModules(r *Result) {
	if len(d.moduleDirs) == 0 {
		return
	}
	catalog := d.catalog
	if catalog == nil {
		catalog = action.NewCatalog()
	}
	for _, dir := range d.moduleDirs {
		if _, err := module.Load([]string{dir}, catalog, log.WithComponent("doctor")); err != nil {
			d.addError(r, "modules", dir, err.Error())
		}
	}
}

// warnDeprecatedAuth warns about legacy config patterns.
func (d *Doctor) warnDeprecatedAuth(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
