//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"blinds-go-home/internal/cover"
)

const maxHandlersPerScript = 100

// registerBlindsModule registers the `blinds` global table.
func registerBlindsModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	funcs := map[string]lua.LGFunction{
		"on":           func(L *lua.LState) int { return blindsOn(L, vm) },
		"set_position": func(L *lua.LState) int { return blindsSetPosition(L, vm, e) },
		"get":          func(L *lua.LState) int { return blindsGet(L, e) },
		"list":         func(L *lua.LState) int { return blindsList(L, e) },
		"after":        func(L *lua.LState) int { return blindsAfter(L, vm, e) },
		"log":          func(L *lua.LState) int { return blindsLog(L, vm, e) },
	}
	for name, fn := range funcs {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("blinds", mod)
}

// blinds.on(type, [filter], fn)
func blindsOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if filter, ok := L.Get(2).(*lua.LTable); ok {
		if v := filter.RawGetString("id"); v != lua.LNil {
			h.id = v.String()
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// blinds.set_position(id, percent) returns true, or false and a message.
func blindsSetPosition(L *lua.LState, vm *scriptVM, e *Engine) int {
	id := L.CheckString(1)
	percent := L.CheckInt(2)

	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()
	if err := e.covers.SetTargetPosition(ctx, id, percent); err != nil {
		e.logger.Warn("script set position", "script", vm.id, "id", id, "position", percent, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// blinds.get(id) returns a device table, or nil and a message.
func blindsGet(L *lua.LState, e *Engine) int {
	d, err := e.covers.Get(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, deviceData(d)))
	return 1
}

// blinds.list() returns an array of device tables.
func blindsList(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, d := range e.covers.List() {
		tbl.RawSetInt(i+1, goToLua(L, deviceData(d)))
	}
	L.Push(tbl)
	return 1
}

// blinds.after(seconds, fn) runs fn on the script's VM later. Callbacks are
// dropped once the script stops.
func blindsAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "script", vm.id, "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: script queue full", "script", vm.id)
		}
	}()
	return 0
}

// blinds.log(msg)
func blindsLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	vm.addLog(msg)
	e.logger.Info("script log", "script", vm.id, "msg", msg)
	return 0
}

func deviceData(d *cover.Device) map[string]interface{} {
	st := d.Snapshot()
	return map[string]interface{}{
		"id":       d.ID(),
		"name":     d.Name(),
		"model":    d.Model(),
		"address":  d.Address(),
		"position": st.CurrentPosition,
		"target":   st.TargetPosition,
		"motion":   uint8(st.Motion),
		"state":    st.Motion.String(),
	}
}
