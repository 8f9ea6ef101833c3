//go:build !no_automation

package automation

import (
	"context"
	"time"

	"droidcast/internal/protocol"

	lua "github.com/yuin/gopher-lua"
)

// registerDeviceModule registers the `device` global table in a Lua state.
func registerDeviceModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return deviceOn(L, vm)
	}))

	mod.RawSetString("list", L.NewFunction(func(L *lua.LState) int {
		return deviceList(L, e)
	}))

	mod.RawSetString("shell", L.NewFunction(func(L *lua.LState) int {
		return deviceShell(L, e)
	}))

	mod.RawSetString("tap", L.NewFunction(func(L *lua.LState) int {
		return deviceTap(L, e)
	}))

	mod.RawSetString("swipe", L.NewFunction(func(L *lua.LState) int {
		return deviceSwipe(L, e)
	}))

	mod.RawSetString("key", L.NewFunction(func(L *lua.LState) int {
		return deviceKey(L, e)
	}))

	mod.RawSetString("text", L.NewFunction(func(L *lua.LState) int {
		return deviceText(L, e)
	}))

	mod.RawSetString("back", L.NewFunction(func(L *lua.LState) int {
		return deviceShortcut(L, e, protocol.EventBack)
	}))

	mod.RawSetString("home", L.NewFunction(func(L *lua.LState) int {
		return deviceShortcut(L, e, protocol.EventHome)
	}))

	mod.RawSetString("wake", L.NewFunction(func(L *lua.LState) int {
		return deviceShortcut(L, e, protocol.EventPower)
	}))

	mod.RawSetString("start_session", L.NewFunction(func(L *lua.LState) int {
		return deviceStartSession(L, e)
	}))

	mod.RawSetString("stop_session", L.NewFunction(func(L *lua.LState) int {
		return deviceStopSession(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return deviceAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return deviceLog(L, e)
	}))

	L.SetGlobal("device", mod)
}

const maxHandlersPerScript = 100

// device.on(type, filter, callback)
func deviceOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("serial"); v != lua.LNil {
		h.serial = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// device.list() — returns a table of all known devices
func deviceList(L *lua.LState, e *Engine) int {
	devices := e.devices.ListDevices()

	tbl := L.NewTable()
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("serial", lua.LString(dev.Serial))
		d.RawSetString("state", lua.LString(string(dev.State)))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("manufacturer", lua.LString(dev.Manufacturer))
		tbl.RawSetInt(i+1, d)
	}

	L.Push(tbl)
	return 1
}

// device.shell(serial, cmd) — run a shell command, return its output
func deviceShell(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)
	cmd := L.CheckString(2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := e.devices.Shell(ctx, serial, cmd)
	if err != nil {
		e.logger.Warn("script shell failed", "serial", serial, "err", err)
		L.Push(lua.LString(""))
		return 1
	}

	L.Push(lua.LString(out))
	return 1
}

// device.tap(serial, x, y) — tap at normalized [0,1] coordinates
func deviceTap(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)
	x := float64(L.CheckNumber(2))
	y := float64(L.CheckNumber(3))

	pos := &protocol.Position{X: x, Y: y}
	e.inject(serial, protocol.ControlEvent{Type: protocol.EventTouchDown, Position: pos})
	e.inject(serial, protocol.ControlEvent{Type: protocol.EventTouchUp, Position: pos})
	return 0
}

// device.swipe(serial, x1, y1, x2, y2) — swipe between two normalized points
func deviceSwipe(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)
	x1 := float64(L.CheckNumber(2))
	y1 := float64(L.CheckNumber(3))
	x2 := float64(L.CheckNumber(4))
	y2 := float64(L.CheckNumber(5))

	const steps = 8

	e.inject(serial, protocol.ControlEvent{Type: protocol.EventTouchDown, Position: &protocol.Position{X: x1, Y: y1}})
	for i := 1; i <= steps; i++ {
		f := float64(i) / steps
		e.inject(serial, protocol.ControlEvent{
			Type:     protocol.EventTouchMove,
			Position: &protocol.Position{X: x1 + (x2-x1)*f, Y: y1 + (y2-y1)*f},
		})
	}
	e.inject(serial, protocol.ControlEvent{Type: protocol.EventTouchUp, Position: &protocol.Position{X: x2, Y: y2}})
	return 0
}

// device.key(serial, keycode) — press and release an Android keycode
func deviceKey(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)
	keycode := L.CheckInt(2)

	if keycode < 0 {
		L.ArgError(2, "keycode must be non-negative")
		return 0
	}

	e.inject(serial, protocol.ControlEvent{Type: protocol.EventKeyDown, KeyCode: &keycode})
	e.inject(serial, protocol.ControlEvent{Type: protocol.EventKeyUp, KeyCode: &keycode})
	return 0
}

// device.text(serial, str) — type a string
func deviceText(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)
	text := L.CheckString(2)

	e.inject(serial, protocol.ControlEvent{Type: protocol.EventTextInput, Text: &text})
	return 0
}

// device.back/home/wake(serial)
func deviceShortcut(L *lua.LState, e *Engine, typ protocol.EventType) int {
	serial := L.CheckString(1)
	e.inject(serial, protocol.ControlEvent{Type: typ})
	return 0
}

// device.start_session(serial)
func deviceStartSession(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.sessions.StartSession(ctx, serial); err != nil {
		e.logger.Warn("script start session failed", "serial", serial, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// device.stop_session(serial)
func deviceStopSession(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.sessions.StopSession(ctx, serial); err != nil {
		e.logger.Warn("script stop session failed", "serial", serial, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// device.after(seconds, callback) — delayed execution
func deviceAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

		// Send callback execution to the VM's command channel
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// device.log(msg)
func deviceLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// inject routes a control event to the device's running session. Failures
// are logged, not raised: macros commonly fire against devices whose
// session just ended.
func (e *Engine) inject(serial string, ev protocol.ControlEvent) {
	if err := e.sessions.Inject(serial, ev); err != nil {
		e.logger.Warn("script inject failed", "serial", serial, "type", ev.Type, "err", err)
	}
}
