package expression

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Evaluator evaluates flow predicates and multi-instance queries using gopher-lua.
// Every top-level key of the data map is exposed as a Lua global, and the whole map
// as the table `data`. An Evaluator is not safe for concurrent use; each case owns one.
type Evaluator struct {
	luaState *lua.LState
	bound    []string // globals set by the previous evaluation
}

// sandboxLibs are the only standard libraries predicates can reach
var sandboxLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// base functions that reach the file system or load code
var sandboxRemoved = []string{"dofile", "loadfile", "load", "loadstring", "require", "module"}

// NewEvaluator creates a new expression evaluator. Only the base, table, string
// and math libraries are opened.
func NewEvaluator() *Evaluator {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range sandboxLibs {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range sandboxRemoved {
		L.SetGlobal(name, lua.LNil)
	}

	evaluator := &Evaluator{
		luaState: L,
	}
	evaluator.registerFunctions()

	return evaluator
}

// Close closes the Lua state
func (e *Evaluator) Close() {
	if e.luaState != nil {
		e.luaState.Close()
		e.luaState = nil
	}
}

// EvaluatePredicate evaluates a flow predicate and returns true/false.
// An empty predicate is true; nil counts as false.
func (e *Evaluator) EvaluatePredicate(expression string, data map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	result, err := e.evaluate(expression, data)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate predicate '%s': %w", expression, err)
	}
	switch v := result.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("predicate '%s' did not return a boolean value, got %T", expression, result)
	}
}

// EvaluateValue evaluates an expression and returns its Go value
func (e *Evaluator) EvaluateValue(expression string, data map[string]interface{}) (interface{}, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("expression cannot be empty")
	}
	result, err := e.evaluate(expression, data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression '%s': %w", expression, err)
	}
	return result, nil
}

func (e *Evaluator) evaluate(expression string, data map[string]interface{}) (interface{}, error) {
	if e.luaState == nil {
		return nil, fmt.Errorf("evaluator is closed")
	}
	if err := e.bind(data); err != nil {
		return nil, err
	}
	return e.evaluateLuaExpression(expression)
}

// bind resets the globals of the previous evaluation and exposes the new data.
func (e *Evaluator) bind(data map[string]interface{}) error {
	L := e.luaState
	for _, name := range e.bound {
		L.SetGlobal(name, lua.LNil)
	}
	e.bound = e.bound[:0]

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := L.NewTable()
	for _, k := range keys {
		lv, err := e.goValueToLua(data[k])
		if err != nil {
			return fmt.Errorf("failed to convert value for variable %s: %w", k, err)
		}
		table.RawSetString(k, lv)
		if isIdentifier(k) && L.GetGlobal(k) == lua.LNil {
			L.SetGlobal(k, lv)
			e.bound = append(e.bound, k)
		}
	}
	L.SetGlobal("data", table)
	return nil
}

// evaluateLuaExpression evaluates a Lua expression and returns the result
func (e *Evaluator) evaluateLuaExpression(expression string) (interface{}, error) {
	L := e.luaState

	luaCode := expression
	if !strings.HasPrefix(strings.TrimSpace(expression), "return") {
		luaCode = "return " + expression
	}

	top := L.GetTop()
	if err := L.DoString(luaCode); err != nil {
		L.SetTop(top)
		return nil, fmt.Errorf("Lua execution error: %v", err)
	}
	if L.GetTop() == top {
		return nil, nil
	}
	result := L.Get(-1)
	L.SetTop(top)

	return e.luaValueToGo(result), nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// goValueToLua converts a Go value to a Lua value
func (e *Evaluator) goValueToLua(value interface{}) (lua.LValue, error) {
	switch v := value.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(v), nil
	case int:
		return lua.LNumber(v), nil
	case int32:
		return lua.LNumber(v), nil
	case int64:
		return lua.LNumber(v), nil
	case float32:
		return lua.LNumber(v), nil
	case float64:
		return lua.LNumber(v), nil
	case string:
		return lua.LString(v), nil
	case []interface{}:
		table := e.luaState.NewTable()
		for i, item := range v {
			luaItem, err := e.goValueToLua(item)
			if err != nil {
				return nil, fmt.Errorf("failed to convert slice item %d: %w", i, err)
			}
			table.RawSetInt(i+1, luaItem) // Lua arrays are 1-indexed
		}
		return table, nil
	case []string:
		table := e.luaState.NewTable()
		for i, item := range v {
			table.RawSetInt(i+1, lua.LString(item))
		}
		return table, nil
	case map[string]interface{}:
		table := e.luaState.NewTable()
		for key, val := range v {
			luaVal, err := e.goValueToLua(val)
			if err != nil {
				return nil, fmt.Errorf("failed to convert map value for key %s: %w", key, err)
			}
			table.RawSetString(key, luaVal)
		}
		return table, nil
	default:
		return lua.LString(fmt.Sprintf("%v", v)), nil
	}
}

// luaValueToGo converts a Lua value to a Go value
func (e *Evaluator) luaValueToGo(value lua.LValue) interface{} {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		num := float64(v)
		if num == float64(int64(num)) {
			return int(num)
		}
		return num
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if e.isLuaArray(v) {
			return e.luaTableToSlice(v)
		}
		return e.luaTableToMap(v)
	default:
		return v.String()
	}
}

// isLuaArray checks if a Lua table is an array (consecutive integer keys starting from 1)
func (e *Evaluator) isLuaArray(table *lua.LTable) bool {
	length := table.Len()
	if length == 0 {
		return false
	}
	hasOtherKeys := false
	table.ForEach(func(key, _ lua.LValue) {
		n, ok := key.(lua.LNumber)
		if !ok || int(n) < 1 || int(n) > length {
			hasOtherKeys = true
		}
	})
	return !hasOtherKeys
}

func (e *Evaluator) luaTableToSlice(table *lua.LTable) []interface{} {
	length := table.Len()
	result := make([]interface{}, length)
	for i := 1; i <= length; i++ {
		result[i-1] = e.luaValueToGo(table.RawGetInt(i))
	}
	return result
}

func (e *Evaluator) luaTableToMap(table *lua.LTable) map[string]interface{} {
	result := make(map[string]interface{})
	table.ForEach(func(key, value lua.LValue) {
		result[fmt.Sprintf("%v", e.luaValueToGo(key))] = e.luaValueToGo(value)
	})
	return result
}

// registerFunctions registers helper functions in the Lua environment
func (e *Evaluator) registerFunctions() {
	L := e.luaState
	L.SetGlobal("tonumber", L.NewFunction(e.luaToNumber))
	L.SetGlobal("contains", L.NewFunction(e.luaContains))
	L.SetGlobal("count", L.NewFunction(e.luaCount))
}

func (e *Evaluator) luaToNumber(L *lua.LState) int {
	switch v := L.Get(1).(type) {
	case lua.LNumber:
		L.Push(v)
	case lua.LString:
		if num, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64); err == nil {
			L.Push(lua.LNumber(num))
		} else {
			L.Push(lua.LNil)
		}
	default:
		L.Push(lua.LNil)
	}
	return 1
}

// contains(list, value) reports whether a list table holds value
func (e *Evaluator) luaContains(L *lua.LState) int {
	table, ok := L.Get(1).(*lua.LTable)
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	needle := L.Get(2)
	found := false
	table.ForEach(func(_, v lua.LValue) {
		if !found && L.Equal(v, needle) {
			found = true
		}
	})
	L.Push(lua.LBool(found))
	return 1
}

// count(table) returns the number of entries of any table, nil counts as 0
func (e *Evaluator) luaCount(L *lua.LState) int {
	table, ok := L.Get(1).(*lua.LTable)
	if !ok {
		L.Push(lua.LNumber(0))
		return 1
	}
	n := 0
	table.ForEach(func(_, _ lua.LValue) { n++ })
	L.Push(lua.LNumber(n))
	return 1
}
