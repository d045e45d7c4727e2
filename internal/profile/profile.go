// Package profile resolves per-device configuration overrides from a static
// TOML file. Vendors ship firmware with slightly different timing and serial
// parameters; the profile file keys an override table by "vendor/model".
package profile

import (
	"fmt"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// OverrideTable is one device's set of key/value overrides. Values are kept
// as strings; typed accessors convert on demand.
type OverrideTable map[string]string

// Get returns the raw override for key.
func (t OverrideTable) Get(key string) (string, bool) {
	v, ok := t[key]
	return v, ok
}

// Int returns the override parsed as an integer, or def when absent.
func (t OverrideTable) Int(key string, def int) (int, error) {
	v, ok := t[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("profile: key %q: %w", key, err)
	}
	return n, nil
}

// Duration returns the override parsed as a time.Duration, or def when
// absent.
func (t OverrideTable) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := t[key]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("profile: key %q: %w", key, err)
	}
	return d, nil
}

// Resolver holds the loaded profile tables. Lookups are static; the file is
// read once at startup.
type Resolver struct {
	tables map[string]OverrideTable
}

// Load reads a TOML profile file. Each top-level table is one device id:
//
//	["acme/mk3"]
//	serial_baud = "921600"
//	csa_throttle = "50ms"
func Load(path string) (*Resolver, error) {
	tables := make(map[string]OverrideTable)
	if _, err := toml.DecodeFile(path, &tables); err != nil {
		return nil, fmt.Errorf("profile: load %s: %w", path, err)
	}
	return &Resolver{tables: tables}, nil
}

// Empty returns a resolver with no tables; every lookup misses.
func Empty() *Resolver { return &Resolver{tables: map[string]OverrideTable{}} }

// Lookup returns the override table for a device id.
func (r *Resolver) Lookup(id string) (OverrideTable, bool) {
	t, ok := r.tables[id]
	return t, ok
}

// Len reports how many device tables are loaded.
func (r *Resolver) Len() int { return len(r.tables) }
