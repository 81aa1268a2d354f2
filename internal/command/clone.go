package command

import "reflect"

// Clone returns a deep copy of e. No map, slice, or nested entry is shared
// with the original.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.JSON = CloneValue(e.JSON)
	cp.Options = e.Options.Clone()
	if e.Stack != nil {
		cp.Stack = CloneValue(e.Stack).(map[string]any)
	}
	if e.Commands != nil {
		cp.Commands = make([]*Entry, len(e.Commands))
		for i, c := range e.Commands {
			cp.Commands[i] = c.Clone()
		}
	}
	return &cp
}

func (o Options) Clone() Options {
	cp := o
	if o.Extra != nil {
		cp.Extra = CloneValue(o.Extra).(map[string]any)
	}
	return cp
}

// CloneValue deep-copies maps and slices. Scalars are returned as they are.
func CloneValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = CloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = CloneValue(x)
		}
		return out
	case string, bool, float64, float32, int, int64, int32, uint, uint64, uint32:
		return t
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

func cloneReflect(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		it := v.MapRange()
		for it.Next() {
			out.SetMapIndex(it.Key(), cloneElem(it.Value(), v.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneElem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Elem().Type())
		out.Elem().Set(cloneReflect(v.Elem()))
		return out
	}
	return v
}

func cloneElem(v reflect.Value, elemType reflect.Type) reflect.Value {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(elemType)
		}
		c := reflect.ValueOf(CloneValue(v.Interface()))
		return c
	}
	return cloneReflect(v)
}
