// Package predicate evaluates the gating statements attached to command
// entries (queueStatement) and used by the eval/ifqueue operations.
//
// Statements are HCL native expressions over three roots:
//
//	memory.<name>.value / .mode / .origin / .pid
//	registers.<name>          (true when the register is set)
//	stack.<key>               (the calling entry's scratch space)
//
// plus the functions has_register, has_memory, length, lower, upper and
// coalesce. Nothing else is reachable, so a statement cannot run arbitrary
// code.
//
// A statement prefixed with "lua:" is run by a sandboxed Lua interpreter
// instead, when enabled.
package predicate

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/hashicorp/hcl/v2/hclsyntax"

	"cmdqueue/internal/diag"
	"cmdqueue/internal/memory"
	logx "cmdqueue/pkg/logx"
)

const luaPrefix = "lua:"

var ErrLuaDisabled = errors.New("lua statements are disabled")

// Env is the read-only view a statement evaluates against.
type Env struct {
	Memory    map[string]memory.Item
	Registers []string
	Stack     map[string]any
}

func (e Env) hasRegister(name string) bool {
	for _, r := range e.Registers {
		if r == name {
			return true
		}
	}
	return false
}

type Options struct {
	// Lua enables "lua:" statements.
	Lua bool
	// LuaBudget caps the VM instructions one lua statement may run.
	// Zero means DefaultLuaBudget. An exhausted budget evaluates false.
	LuaBudget int
}

// Evaluator parses and evaluates statements. Parsed HCL expressions are cached.
type Evaluator struct {
	opt Options
	log logx.Logger

	mu    sync.Mutex
	cache map[string]hclsyntax.Expression
}

func New(opt Options, log logx.Logger) *Evaluator {
	return &Evaluator{
		opt:   opt,
		log:   log.With(logx.String("comp", "predicate")),
		cache: map[string]hclsyntax.Expression{},
	}
}

// LuaEnabled reports whether "lua:" statements are accepted.
func (ev *Evaluator) LuaEnabled() bool { return ev.opt.Lua }

// Validate rejects statements that cannot be parsed or that reach outside
// the allowed roots and functions. The error is a parse error.
func (ev *Evaluator) Validate(stmt string) error {
	if src, ok := luaSource(stmt); ok {
		if !ev.opt.Lua {
			return diag.Wrap(diag.KindParse, -1, "statement", ErrLuaDisabled)
		}
		if err := checkLua(src); err != nil {
			return diag.Wrap(diag.KindParse, -1, "statement", err)
		}
		return nil
	}
	_, err := ev.compile(stmt)
	return err
}

// Eval evaluates stmt and applies truthiness. An empty statement is true.
// Evaluation failures (unknown memory, type errors) are returned along with
// false; callers treat them as "not eligible".
func (ev *Evaluator) Eval(stmt string, env Env) (bool, error) {
	if strings.TrimSpace(stmt) == "" {
		return true, nil
	}
	v, err := ev.Value(stmt, env)
	if err != nil {
		ev.log.Debug("statement evaluation failed", logx.String("statement", stmt), logx.Err(err))
		return false, err
	}
	return Truthy(v), nil
}

// Value evaluates stmt and returns its result as a plain Go value
// (string, float64, bool, []any, map[string]any or nil).
func (ev *Evaluator) Value(stmt string, env Env) (any, error) {
	if src, ok := luaSource(stmt); ok {
		if !ev.opt.Lua {
			return nil, ErrLuaDisabled
		}
		return evalLua(src, env, ev.opt.LuaBudget)
	}
	expr, err := ev.compile(stmt)
	if err != nil {
		return nil, err
	}
	return evalHCL(expr, env)
}

func (ev *Evaluator) compile(stmt string) (hclsyntax.Expression, error) {
	ev.mu.Lock()
	expr, ok := ev.cache[stmt]
	ev.mu.Unlock()
	if ok {
		return expr, nil
	}
	expr, err := parseHCL(stmt)
	if err != nil {
		return nil, diag.Wrap(diag.KindParse, -1, "statement", err)
	}
	ev.mu.Lock()
	if len(ev.cache) > 1024 {
		ev.cache = map[string]hclsyntax.Expression{}
	}
	ev.cache[stmt] = expr
	ev.mu.Unlock()
	return expr, nil
}

func luaSource(stmt string) (string, bool) {
	s := strings.TrimSpace(stmt)
	if !strings.HasPrefix(s, luaPrefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(luaPrefix):]), true
}

// Truthy: false, nil, 0, "" and NaN are false; everything else, including
// empty collections, is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0 && !math.IsNaN(t)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32:
		f := rv.Float()
		return f != 0 && !math.IsNaN(f)
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
