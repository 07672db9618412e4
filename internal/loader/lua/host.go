// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package lua

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/unithost/unithost/pkg/param"
	"github.com/unithost/unithost/pkg/unit"
)

// pollSlice bounds how long unithost.sleep waits between stop checks, so a
// sleeping script still notices a stop request within roughly 100ms.
const pollSlice = 100 * time.Millisecond

// registerHostModule exposes the unithost.* API to one script run.
//
//	unithost.log(text)       record one line of output
//	unithost.stopped()       true once a stop was requested
//	unithost.sleep(seconds)  sleep, waking early on stop; returns stopped()
//	unithost.param(name)     resolved parameter value, nil when undeclared
func registerHostModule(ls *lua.LState, rt unit.Runtime) {
	mod := ls.NewTable()

	ls.SetField(mod, "log", ls.NewFunction(logFn(rt)))
	ls.SetField(mod, "stopped", ls.NewFunction(stoppedFn(rt)))
	ls.SetField(mod, "sleep", ls.NewFunction(sleepFn(rt)))
	ls.SetField(mod, "param", ls.NewFunction(paramFn(rt)))

	ls.SetGlobal("unithost", mod)
}

func logFn(rt unit.Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		text := L.CheckString(1)
		rt.Log(text)
		return 0
	}
}

func stoppedFn(rt unit.Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LBool(rt.Stopped()))
		return 1
	}
}

// sleepFn sleeps in short slices so the script keeps its stop-poll
// obligation even through long waits.
func sleepFn(rt unit.Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		seconds := float64(L.CheckNumber(1))
		deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))

		for !rt.Stopped() {
			remain := time.Until(deadline)
			if remain <= 0 {
				break
			}
			if remain > pollSlice {
				remain = pollSlice
			}
			time.Sleep(remain)
		}

		L.Push(lua.LBool(rt.Stopped()))
		return 1
	}
}

func paramFn(rt unit.Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)

		v, ok := rt.Params()[name]
		if !ok {
			L.Push(lua.LNil)
			return 1
		}

		L.Push(toLuaValue(v))
		return 1
	}
}

// toLuaValue maps resolved parameter values onto Lua types. Datetimes come
// through as their canonical string form.
func toLuaValue(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case time.Time:
		return lua.LString(val.Format(param.DatetimeLayout))
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
