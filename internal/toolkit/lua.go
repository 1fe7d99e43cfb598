package toolkit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// LuaExecutor runs a tool integration written in Lua. The script must define
// a global execute(step) function and may define rollback(step, reason).
//
// execute may return:
//   - true / false
//   - a string, taken as the error message of a failure
//   - a table { success = bool, output = table, error = string, retryable = bool }
//
// rollback returns nothing or true on success, false or an error string
// otherwise. Each call gets a fresh interpreter, so scripts keep no state
// between calls.
type LuaExecutor struct {
	path string
}

func NewLuaExecutor(scriptPath string) (*LuaExecutor, error) {
	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("script %s: %w", scriptPath, err)
	}
	return &LuaExecutor{path: abs}, nil
}

func (e *LuaExecutor) load(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState()
	L.SetContext(ctx)
	L.PreloadModule("os", osModuleLoader)
	if err := L.DoFile(e.path); err != nil {
		L.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	return L, nil
}

func (e *LuaExecutor) Execute(ctx context.Context, call Call) Result {
	L, err := e.load(ctx)
	if err != nil {
		return Failure("%v", err)
	}
	defer L.Close()

	fn := L.GetGlobal("execute")
	if fn.Type() != lua.LTFunction {
		return Failure("script must define global function execute(step), got %s", fn.Type().String())
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, stepTable(L, call)); err != nil {
		if ctx.Err() != nil {
			return Failure("execute(): %v", ctx.Err())
		}
		return Failure("execute(): %v", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return luaResult(ret)
}

func (e *LuaExecutor) Rollback(ctx context.Context, call Call, reason string) error {
	L, err := e.load(ctx)
	if err != nil {
		return err
	}
	defer L.Close()

	fn := L.GetGlobal("rollback")
	if fn.Type() == lua.LTNil {
		return nil
	}
	if fn.Type() != lua.LTFunction {
		return fmt.Errorf("rollback must be a function, got %s", fn.Type().String())
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, stepTable(L, call), lua.LString(reason)); err != nil {
		return fmt.Errorf("rollback(): %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	switch ret.Type() {
	case lua.LTNil:
		return nil
	case lua.LTBool:
		if ret == lua.LTrue {
			return nil
		}
		return fmt.Errorf("rollback(): reported failure")
	case lua.LTString:
		return fmt.Errorf("rollback(): %s", ret.String())
	default:
		return nil
	}
}

func stepTable(L *lua.LState, call Call) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "plan_id", lua.LString(call.PlanID))
	L.SetField(t, "tool", lua.LString(call.Tool))
	L.SetField(t, "attempt", lua.LNumber(call.Attempt))
	L.SetField(t, "ordinal", lua.LNumber(call.Step.Ordinal))
	L.SetField(t, "name", lua.LString(call.Step.Name))
	L.SetField(t, "description", lua.LString(call.Step.Description))
	L.SetField(t, "risk", lua.LString(string(call.Step.Risk)))
	L.SetField(t, "success_criterion", lua.LString(call.Step.SuccessCriterion))
	L.SetField(t, "rollback", lua.LString(call.Step.Rollback))
	return t
}

func luaResult(v lua.LValue) Result {
	switch v.Type() {
	case lua.LTBool:
		if v == lua.LTrue {
			return Result{Success: true}
		}
		return Failure("script reported failure")
	case lua.LTString:
		return Failure("%s", v.String())
	case lua.LTTable:
		tbl := v.(*lua.LTable)
		res := Result{}
		if b, ok := tbl.RawGetString("success").(lua.LBool); ok {
			res.Success = bool(b)
		}
		if s, ok := tbl.RawGetString("error").(lua.LString); ok {
			res.Error = string(s)
		}
		if b, ok := tbl.RawGetString("retryable").(lua.LBool); ok {
			res.Retryable = bool(b)
		}
		if out, ok := tbl.RawGetString("output").(*lua.LTable); ok {
			if m, ok := fromLua(out).(map[string]any); ok {
				res.Output = m
			}
		}
		return res
	default:
		return Failure("execute() must return boolean, string or table, got %s", v.Type().String())
	}
}

// fromLua converts a Lua value into plain Go values. Tables with only
// consecutive integer keys from 1 become slices.
func fromLua(v lua.LValue) any {
	switch t := v.(type) {
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		if n := t.MaxN(); n > 0 && t.Len() == n {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, fromLua(t.RawGetInt(i)))
			}
			return list
		}
		m := make(map[string]any)
		t.ForEach(func(k, val lua.LValue) {
			m[k.String()] = fromLua(val)
		})
		return m
	default:
		return nil
	}
}

// osModuleLoader provides a minimal os module: getenv and time.
func osModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "getenv", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	L.SetField(mod, "time", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	L.Push(mod)
	return 1
}
