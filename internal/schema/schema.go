// Package schema checks and creates the tables services own in the shared store.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/store"
)

// Mode decides how validation errors affect a reconcile pass.
type Mode string

const (
	// ModeStrict aborts the pass on any error.
	ModeStrict Mode = "strict"
	// ModeWarn reports errors and lets the pass continue.
	ModeWarn Mode = "warn"
	// ModeSkip disables validation.
	ModeSkip Mode = "skip"
)

// ParseMode accepts strict, warn or skip (case-insensitive); empty means warn.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeWarn, nil
	case ModeStrict, ModeWarn, ModeSkip:
		return m, nil
	default:
		return "", fmt.Errorf("unknown schema validation mode %q", s)
	}
}

// SchemaError describes one table that does not match its declaration.
type SchemaError struct {
	Service string `json:"service"`
	Table   string `json:"table"`
	Reason  string `json:"reason"`
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s.%s: %s", e.Service, e.Table, e.Reason)
}

// Report is the outcome of validating one or more services.
type Report struct {
	Validated []string       `json:"validated"`
	Created   []string       `json:"created"`
	Errors    []*SchemaError `json:"errors,omitempty"`
}

func (r *Report) merge(o Report) {
	r.Validated = append(r.Validated, o.Validated...)
	r.Created = append(r.Created, o.Created...)
	r.Errors = append(r.Errors, o.Errors...)
}

// Err joins the recorded errors, or returns nil.
func (r Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Validator runs against the live store.
type Validator struct {
	db   store.Introspector
	mode Mode
	log  *slog.Logger
}

// New returns a Validator. A nil log uses slog.Default.
func New(db store.Introspector, mode Mode, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{db: db, mode: mode, log: log}
}

func (v *Validator) Mode() Mode { return v.mode }

// Validate checks every table declared by d. Missing tables are created from
// their DDL; existing tables must carry every declared column. DDL sources were
// resolved against the configuration directory when the registry loaded.
// The returned error is a store failure; table mismatches are in the report.
func (v *Validator) Validate(ctx context.Context, d registry.ServiceDescriptor) (Report, error) {
	var rep Report
	if v.mode == ModeSkip {
		return rep, nil
	}
	for _, s := range d.Schemas {
		fail := func(reason string) {
			rep.Errors = append(rep.Errors, &SchemaError{Service: d.Name, Table: s.Table, Reason: reason})
		}
		ok, err := v.db.TableExists(ctx, s.Table)
		if err != nil {
			return rep, err
		}
		if !ok {
			if strings.TrimSpace(s.DDL) == "" {
				fail("table does not exist and no ddl is declared")
				continue
			}
			if err := v.db.ApplyDDL(ctx, s.DDL); err != nil {
				fail("apply ddl: " + err.Error())
				continue
			}
			rep.Created = append(rep.Created, s.Table)
			v.log.Info("schema table created", "service", d.Name, "table", s.Table)
		}
		cols, err := v.db.Columns(ctx, s.Table)
		if err != nil {
			return rep, err
		}
		have := make(map[string]bool, len(cols))
		for _, c := range cols {
			have[strings.ToLower(c)] = true
		}
		var missing []string
		for _, c := range s.Columns {
			if !have[strings.ToLower(c)] {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			fail("missing column(s) " + strings.Join(missing, ", "))
			continue
		}
		rep.Validated = append(rep.Validated, s.Table)
	}
	return rep, nil
}

// ValidateAll validates every descriptor. In strict mode a non-empty error list
// is returned as an error; in warn mode errors are logged and only reported.
func (v *Validator) ValidateAll(ctx context.Context, descs []registry.ServiceDescriptor) (Report, error) {
	var all Report
	if v.mode == ModeSkip {
		return all, nil
	}
	for _, d := range descs {
		rep, err := v.Validate(ctx, d)
		all.merge(rep)
		if err != nil {
			return all, err
		}
	}
	for _, e := range all.Errors {
		v.log.Warn("schema validation", "service", e.Service, "table", e.Table, "reason", e.Reason)
	}
	if v.mode == ModeStrict {
		return all, all.Err()
	}
	return all, nil
}
