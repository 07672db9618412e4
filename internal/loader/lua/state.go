// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

// Package lua provides a sandboxed Lua runtime for scripted units.
package lua

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// stockLib pairs a Lua library name with its opener.
type stockLib struct {
	name string
	open lua.LGFunction
}

// sandboxLibs are the libraries a unit script gets, opened in order (base
// must come first). Everything that reaches the process (os, io, debug,
// package) stays closed.
var sandboxLibs = []stockLib{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// blockedGlobals are base-library entry points that load arbitrary code or
// read the filesystem. They are stripped after the base library opens.
var blockedGlobals = []string{"dofile", "loadfile", "loadstring", "load"}

// StateFactory builds sandboxed Lua states. Every run of every scripted
// unit gets a fresh state, so no globals survive between runs.
type StateFactory struct {
	libs []stockLib
}

// NewStateFactory creates a factory using the sandbox library set.
func NewStateFactory() *StateFactory {
	return &StateFactory{libs: sandboxLibs}
}

// NewState creates a fresh sandboxed state: only base, table, string, and
// math are loaded, and the code-loading base functions are removed.
//
// The ctx parameter is reserved for future cancellation/timeout support.
func (f *StateFactory) NewState(_ context.Context) (*lua.LState, error) {
	ls := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range f.libs {
		err := ls.CallByParam(lua.P{
			Fn:      ls.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
		if err != nil {
			ls.Close()
			return nil, oops.In("lua").With("library", lib.name).
				Wrapf(err, "failed to open library %s", lib.name)
		}
	}

	for _, name := range blockedGlobals {
		ls.SetGlobal(name, lua.LNil)
	}

	return ls, nil
}
