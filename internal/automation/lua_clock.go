//go:build !no_automation

package automation

import (
	lua "github.com/yuin/gopher-lua"
)

// registerClockModule registers the `clock` global table.
func registerClockModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("now", L.NewFunction(func(L *lua.LState) int {
		return clockNow(L, e)
	}))
	mod.RawSetString("between", L.NewFunction(func(L *lua.LState) int {
		return clockBetween(L, e)
	}))
	L.SetGlobal("clock", mod)
}

// clock.now(component)
func clockNow(L *lua.LState, e *Engine) int {
	component := L.CheckString(1)
	now := e.now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// clock.between(from_hour, to_hour) is true when the current hour is in
// [from, to). A range with from > to wraps past midnight.
func clockBetween(L *lua.LState, e *Engine) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(e.now().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}
