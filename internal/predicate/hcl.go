package predicate

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"
)

var allowedRoots = map[string]struct{}{
	"memory":    {},
	"registers": {},
	"stack":     {},
}

// FunctionNames lists the functions a statement may call.
func FunctionNames() []string {
	fns := functions(Env{})
	out := make([]string, 0, len(fns))
	for k := range fns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func parseHCL(stmt string) (hclsyntax.Expression, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(stmt), "statement", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}

	for _, tr := range expr.Variables() {
		root := tr.RootName()
		if _, ok := allowedRoots[root]; !ok {
			return nil, fmt.Errorf("unknown variable %q (allowed: memory, registers, stack)", root)
		}
	}

	known := functions(Env{})
	var unknown []string
	hclsyntax.VisitAll(expr, func(n hclsyntax.Node) hcl.Diagnostics {
		if fc, ok := n.(*hclsyntax.FunctionCallExpr); ok {
			if _, ok := known[fc.Name]; !ok {
				unknown = append(unknown, fc.Name)
			}
		}
		return nil
	})
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown function(s): %s", strings.Join(unknown, ", "))
	}
	return expr, nil
}

func evalHCL(expr hclsyntax.Expression, env Env) (any, error) {
	vars, err := variables(env)
	if err != nil {
		return nil, err
	}
	ctx := &hcl.EvalContext{Variables: vars, Functions: functions(env)}
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	return fromCty(val)
}

func variables(env Env) (map[string]cty.Value, error) {
	mem := make(map[string]cty.Value, len(env.Memory))
	for name, it := range env.Memory {
		v, err := toCty(it.Value)
		if err != nil {
			return nil, fmt.Errorf("memory %q: %w", name, err)
		}
		mem[name] = cty.ObjectVal(map[string]cty.Value{
			"value":  v,
			"mode":   cty.StringVal(it.Mode.String()),
			"origin": cty.StringVal(it.Origin),
			"pid":    cty.NumberIntVal(it.Pid),
		})
	}
	regs := make(map[string]cty.Value, len(env.Registers))
	for _, r := range env.Registers {
		regs[r] = cty.True
	}
	stack, err := toCty(env.Stack)
	if err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	if stack.IsNull() {
		stack = cty.EmptyObjectVal
	}
	return map[string]cty.Value{
		"memory":    cty.ObjectVal(mem),
		"registers": cty.ObjectVal(regs),
		"stack":     stack,
	}, nil
}

func functions(env Env) map[string]function.Function {
	return map[string]function.Function{
		"has_register": function.New(&function.Spec{
			Params: []function.Parameter{{Name: "name", Type: cty.String}},
			Type:   function.StaticReturnType(cty.Bool),
			Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
				return cty.BoolVal(env.hasRegister(args[0].AsString())), nil
			},
		}),
		"has_memory": function.New(&function.Spec{
			Params: []function.Parameter{{Name: "name", Type: cty.String}},
			Type:   function.StaticReturnType(cty.Bool),
			Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
				_, ok := env.Memory[args[0].AsString()]
				return cty.BoolVal(ok), nil
			},
		}),
		// memory_value(name, default?) reads a value without failing on absent names.
		"memory_value": function.New(&function.Spec{
			Params: []function.Parameter{{Name: "name", Type: cty.String}},
			VarParam: &function.Parameter{
				Name:      "default",
				Type:      cty.DynamicPseudoType,
				AllowNull: true,
			},
			Type: function.StaticReturnType(cty.DynamicPseudoType),
			Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
				if it, ok := env.Memory[args[0].AsString()]; ok {
					return toCty(it.Value)
				}
				if len(args) > 1 {
					return args[1], nil
				}
				return cty.NullVal(cty.DynamicPseudoType), nil
			},
		}),
		"length":   stdlib.LengthFunc,
		"lower":    stdlib.LowerFunc,
		"upper":    stdlib.UpperFunc,
		"coalesce": stdlib.CoalesceFunc,
	}
}

// toCty converts decoded JSON-ish Go values. Other types go through gocty.
func toCty(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cty.Value:
		return t, nil
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return cty.NullVal(cty.Number), nil
		}
		return cty.NumberFloatVal(t), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, x := range t {
			cv, err := toCty(x)
			if err != nil {
				return cty.NilVal, fmt.Errorf("in attribute %q: %w", k, err)
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(t))
		for i, x := range t {
			cv, err := toCty(x)
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = cv
		}
		return cty.TupleVal(elems), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cty.NumberIntVal(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return cty.NumberUIntVal(rv.Uint()), nil
	case reflect.Float32:
		return cty.NumberFloatVal(rv.Float()), nil
	}

	ty, err := gocty.ImpliedType(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("unable to infer cty.Type: %w", err)
	}
	return gocty.ToCtyValue(v, ty)
}

// fromCty converts a result back to plain Go values.
func fromCty(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}
	v, _ = v.Unmark()
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, ev := it.Element()
			x, err := fromCty(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, x)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := map[string]any{}
		it := v.ElementIterator()
		for it.Next() {
			k, ev := it.Element()
			x, err := fromCty(ev)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", k.AsString(), err)
			}
			out[k.AsString()] = x
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported result type %s", ty.FriendlyName())
}
