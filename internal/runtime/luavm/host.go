package luavm

import (
	"context"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/surface"
)

// hostTable builds the `host` value handed to activate:
//
//	host.document()                  -> { url = ..., title = ... }
//	host.toolbar.add_button(label, fn)
//	host.notify(level, msg)
//	host.log(...)
//	host.data.load()                 -> table
//	host.data.save(tbl)              -> true | nil, err
func (e *luaExtension) hostTable(s surface.Surface) *lua.LTable {
	L := e.L
	host := L.NewTable()

	L.SetField(host, "document", L.NewFunction(func(L *lua.LState) int {
		doc := s.ActiveDocument()
		t := L.NewTable()
		t.RawSetString("url", lua.LString(doc.URL))
		t.RawSetString("title", lua.LString(doc.Title))
		L.Push(t)
		return 1
	}))

	toolbar := L.NewTable()
	L.SetField(toolbar, "add_button", L.NewFunction(func(L *lua.LState) int {
		// Accept both toolbar.add_button(label, fn) and toolbar:add_button(label, fn).
		base := 1
		if _, ok := L.Get(1).(*lua.LTable); ok {
			base = 2
		}
		label := L.CheckString(base)
		fn := L.CheckFunction(base + 1)
		if err := s.AddButton(label, e.callback(fn)); err != nil {
			L.RaiseError("add_button: %s", err.Error())
		}
		return 0
	}))
	L.SetField(host, "toolbar", toolbar)

	L.SetField(host, "notify", L.NewFunction(func(L *lua.LState) int {
		if L.GetTop() >= 2 {
			s.Notify(surface.ParseLevel(L.CheckString(1)), L.CheckString(2))
		} else {
			s.Notify(surface.LevelInfo, L.CheckString(1))
		}
		return 0
	}))

	L.SetField(host, "log", L.GetGlobal("print"))

	data := L.NewTable()
	L.SetField(data, "load", L.NewFunction(func(L *lua.LState) int {
		var doc extension.Document
		if e.env.Data != nil {
			doc = e.env.Data.Load()
		}
		L.Push(mapToTable(L, doc))
		return 1
	}))
	L.SetField(data, "save", L.NewFunction(func(L *lua.LState) int {
		tbl := L.CheckTable(L.GetTop())
		if e.env.Data == nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("no data store attached"))
			return 2
		}
		if err := e.env.Data.Save(toDocument(tbl)); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))
	L.SetField(host, "data", data)

	return host
}

// callback wraps a Lua handler for the surface. A failing handler is
// reported through Env.OnFault; it never propagates into the chrome.
func (e *luaExtension) callback(fn *lua.LFunction) func() {
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		ctx := context.Background()
		err := e.call(ctx, func() error {
			return e.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
		})
		if err == nil {
			return
		}
		fault := e.classify(ctx, extension.FaultRuntime, err)
		e.logger.Warn("extension callback failed", "error", fault)
		if e.env.OnFault != nil {
			e.env.OnFault(fault)
		}
	}
}
