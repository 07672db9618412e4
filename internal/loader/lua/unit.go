// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package lua

import (
	"context"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/unithost/unithost/pkg/param"
	"github.com/unithost/unithost/pkg/unit"
)

// entryFunction is the global every unit script must define.
const entryFunction = "run"

// Compile-time interface checks.
var (
	_ unit.Unit          = (*Unit)(nil)
	_ unit.Parameterized = (*Unit)(nil)
)

// Config describes the script a Unit runs.
type Config struct {
	Name        string
	Description string
	Entry       string // path to the Lua source on disk
	Parameters  param.Schema
}

// Unit runs a Lua script inside a sandboxed interpreter. Every run executes
// on a fresh state so one run cannot leak globals into the next.
type Unit struct {
	name        string
	description string
	code        string
	schema      param.Schema
	factory     *StateFactory
}

// NewUnit reads and validates a unit script. The script's top level must
// define a run() function; it executes once here, in a throwaway state
// without the unithost module, so it should contain only definitions.
func NewUnit(ctx context.Context, cfg Config) (*Unit, error) {
	code, err := os.ReadFile(filepath.Clean(cfg.Entry))
	if err != nil {
		return nil, oops.In("lua").With("unit", cfg.Name).With("operation", "load").
			With("path", cfg.Entry).Hint("failed to read entry file").Wrap(err)
	}

	factory := NewStateFactory()

	// Validate by executing in a throwaway state.
	L, err := factory.NewState(ctx)
	if err != nil {
		return nil, oops.In("lua").With("unit", cfg.Name).With("operation", "load").
			Hint("failed to create validation state").Wrap(err)
	}
	defer L.Close()

	if err := L.DoString(string(code)); err != nil {
		return nil, oops.In("lua").With("unit", cfg.Name).With("operation", "load").
			With("entry", cfg.Entry).Hint("script failed to load").Wrap(err)
	}
	if L.GetGlobal(entryFunction).Type() != lua.LTFunction {
		return nil, oops.In("lua").With("unit", cfg.Name).With("operation", "load").
			Errorf("script does not define a %s() function", entryFunction)
	}

	return &Unit{
		name:        cfg.Name,
		description: cfg.Description,
		code:        string(code),
		schema:      cfg.Parameters,
		factory:     factory,
	}, nil
}

// Name returns the unit's manifest name.
func (u *Unit) Name() string { return u.name }

// Description returns the unit's manifest description.
func (u *Unit) Description() string { return u.description }

// Parameters implements unit.Parameterized. It returns nil when the
// manifest declared no parameters.
func (u *Unit) Parameters() param.Schema { return u.schema }

// Run executes the script's run() function on a fresh sandboxed state.
func (u *Unit) Run(ctx context.Context, rt unit.Runtime) error {
	L, err := u.factory.NewState(ctx)
	if err != nil {
		return oops.In("lua").With("unit", u.name).With("operation", "run").
			Hint("failed to create state").Wrap(err)
	}
	defer L.Close()

	// Set the context on the state so a cancel aborts even scripts that
	// never call back into the host.
	L.SetContext(ctx)
	registerHostModule(L, rt)

	if err := L.DoString(u.code); err != nil {
		return oops.In("lua").With("unit", u.name).With("operation", "run").
			Hint("failed to load code").Wrap(err)
	}

	fn := L.GetGlobal(entryFunction)
	if fn.Type() != lua.LTFunction {
		return oops.In("lua").With("unit", u.name).With("operation", "run").
			Errorf("script does not define a %s() function", entryFunction)
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}); err != nil {
		if rt.Stopped() {
			// A stop request cancels the run context, which aborts the
			// interpreter mid-call. That is a clean exit, not a failure.
			return nil
		}
		return oops.In("lua").With("unit", u.name).With("operation", "run").Wrap(err)
	}

	return nil
}
