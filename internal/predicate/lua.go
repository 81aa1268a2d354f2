package predicate

import (
	"fmt"
	"sort"

	"github.com/Shopify/go-lua"
)

// Globals removed from every state: nothing may load code from disk or
// pull in modules.
var luaBlocked = []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "package", "io", "os", "debug"}

// DefaultLuaBudget is the VM instruction limit for one lua statement.
const DefaultLuaBudget = 1_000_000

func newLuaState(env Env, budget int) *lua.State {
	l := lua.NewState()
	for _, lib := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, name := range luaBlocked {
		l.PushNil()
		l.SetGlobal(name)
	}

	mem := make(map[string]any, len(env.Memory))
	for k, it := range env.Memory {
		mem[k] = map[string]any{
			"value":  it.Value,
			"mode":   it.Mode.String(),
			"origin": it.Origin,
			"pid":    float64(it.Pid),
		}
	}
	pushLua(l, mem)
	l.SetGlobal("memory")

	regs := make(map[string]any, len(env.Registers))
	for _, r := range env.Registers {
		regs[r] = true
	}
	pushLua(l, regs)
	l.SetGlobal("registers")

	pushLua(l, env.Stack)
	l.SetGlobal("stack")

	l.Register("has_register", func(l *lua.State) int {
		l.PushBoolean(env.hasRegister(lua.CheckString(l, 1)))
		return 1
	})
	l.Register("has_memory", func(l *lua.State) int {
		_, ok := env.Memory[lua.CheckString(l, 1)]
		l.PushBoolean(ok)
		return 1
	})

	if budget <= 0 {
		budget = DefaultLuaBudget
	}
	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		lua.Errorf(l, "instruction budget exceeded")
	}, lua.MaskCount, budget)
	return l
}

// loadLua compiles src as an expression when it is one, otherwise as a chunk.
func loadLua(l *lua.State, src string) error {
	if err := lua.LoadString(l, "return ("+src+")"); err == nil {
		return nil
	}
	l.SetTop(0)
	return lua.LoadString(l, src)
}

func checkLua(src string) error {
	l := lua.NewState()
	return loadLua(l, src)
}

func evalLua(src string, env Env, budget int) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("lua: %v", r)
		}
	}()
	l := newLuaState(env, budget)
	if err := loadLua(l, src); err != nil {
		return nil, fmt.Errorf("lua: %w", err)
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return nil, fmt.Errorf("lua: %w", err)
	}
	v := fromLua(l, -1, 0)
	l.Pop(1)
	return v, nil
}

func pushLua(l *lua.State, v any) {
	switch t := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(t)
	case string:
		l.PushString(t)
	case float64:
		l.PushNumber(t)
	case int:
		l.PushInteger(t)
	case int64:
		l.PushNumber(float64(t))
	case map[string]any:
		l.CreateTable(0, len(t))
		for k, x := range t {
			pushLua(l, x)
			l.SetField(-2, k)
		}
	case []any:
		l.CreateTable(len(t), 0)
		for i, x := range t {
			pushLua(l, x)
			l.RawSetInt(-2, i+1)
		}
	default:
		l.PushString(fmt.Sprint(t))
	}
}

const maxLuaDepth = 32

// fromLua converts the value at idx. Tables with keys 1..n become []any,
// other tables become map[string]any.
func fromLua(l *lua.State, idx, depth int) any {
	switch l.TypeOf(idx) {
	case lua.TypeBoolean:
		return l.ToBoolean(idx)
	case lua.TypeNumber:
		f, _ := l.ToNumber(idx)
		return f
	case lua.TypeString:
		s, _ := l.ToString(idx)
		return s
	case lua.TypeTable:
		if depth >= maxLuaDepth {
			return nil
		}
		idx = l.AbsIndex(idx)
		m := map[string]any{}
		ints := map[int]any{}
		l.PushNil()
		for l.Next(idx) {
			val := fromLua(l, -1, depth+1)
			if l.TypeOf(-2) == lua.TypeNumber {
				if f, _ := l.ToNumber(-2); f == float64(int(f)) && f >= 1 {
					ints[int(f)] = val
					l.Pop(1)
					continue
				}
			}
			// Copy the key before converting it so Next still sees the original.
			l.PushValue(-2)
			k, _ := l.ToString(-1)
			l.Pop(1)
			m[k] = val
			l.Pop(1)
		}
		if len(m) == 0 && len(ints) > 0 {
			keys := make([]int, 0, len(ints))
			for k := range ints {
				keys = append(keys, k)
			}
			sort.Ints(keys)
			if keys[len(keys)-1] == len(keys) {
				out := make([]any, len(keys))
				for _, k := range keys {
					out[k-1] = ints[k]
				}
				return out
			}
		}
		for k, v := range ints {
			m[fmt.Sprint(k)] = v
		}
		return m
	}
	return nil
}
