package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"cmdqueue/internal/memory"
)

// Options is the per-entry configuration. Keys the engine does not know are
// kept in Extra for capabilities to read.
type Options struct {
	Run        RunMode
	Prepare    string
	Register   string
	Statement  string
	Timer      time.Duration
	MemoryName string
	MemoryMode memory.Mode
	Extra      map[string]any
}

const (
	keyRun        = "queueRun"
	keyPrepare    = "queuePrepare"
	keyRegister   = "queueRegister"
	keyStatement  = "queueStatement"
	keyTimer      = "queueTimer"
	keyMemoryName = "memoryName"
	keyMemoryMode = "memoryMode"
)

func (o *Options) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*o = Options{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return o.fromRaw(raw)
}

func (o *Options) fromRaw(raw map[string]json.RawMessage) error {
	var out Options
	str := func(key string, dst *string) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("options.%s: %w", key, err)
		}
		return nil
	}

	var run, mode string
	for _, f := range []struct {
		key string
		dst *string
	}{
		{keyRun, &run},
		{keyPrepare, &out.Prepare},
		{keyRegister, &out.Register},
		{keyStatement, &out.Statement},
		{keyMemoryName, &out.MemoryName},
		{keyMemoryMode, &mode},
	} {
		if err := str(f.key, f.dst); err != nil {
			return err
		}
	}

	rm, err := ParseRunMode(run)
	if err != nil {
		return fmt.Errorf("options: %w", err)
	}
	out.Run = rm
	mm, err := memory.ParseMode(mode)
	if err != nil {
		return fmt.Errorf("options.%s: %w", keyMemoryMode, err)
	}
	out.MemoryMode = mm

	if v, ok := raw[keyTimer]; ok {
		delete(raw, keyTimer)
		d, err := decodeTimer(v)
		if err != nil {
			return fmt.Errorf("options.%s: %w", keyTimer, err)
		}
		out.Timer = d
	}

	if len(raw) > 0 {
		out.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var x any
			if err := json.Unmarshal(v, &x); err != nil {
				return fmt.Errorf("options.%s: %w", k, err)
			}
			out.Extra[k] = x
		}
	}
	*o = out
	return nil
}

// decodeTimer takes milliseconds as a number, or a Go duration string.
func decodeTimer(v json.RawMessage) (time.Duration, error) {
	var x any
	if err := json.Unmarshal(v, &x); err != nil {
		return 0, err
	}
	switch t := x.(type) {
	case nil:
		return 0, nil
	case float64:
		if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("invalid delay %v", t)
		}
		return time.Duration(t * float64(time.Millisecond)), nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, fmt.Errorf("negative delay %q", t)
		}
		return d, nil
	}
	return 0, fmt.Errorf("unsupported delay %v", x)
}

func (o Options) MarshalJSON() ([]byte, error) {
	m := o.Map()
	// Stable key order keeps snapshots diffable.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Map renders the options as a plain map using the wire key names.
func (o Options) Map() map[string]any {
	m := make(map[string]any, len(o.Extra)+7)
	for k, v := range o.Extra {
		m[k] = v
	}
	if o.Run != "" {
		m[keyRun] = string(o.Run)
	}
	if o.Prepare != "" {
		m[keyPrepare] = o.Prepare
	}
	if o.Register != "" {
		m[keyRegister] = o.Register
	}
	if o.Statement != "" {
		m[keyStatement] = o.Statement
	}
	if o.Timer > 0 {
		m[keyTimer] = float64(o.Timer) / float64(time.Millisecond)
	}
	if o.MemoryName != "" {
		m[keyMemoryName] = o.MemoryName
	}
	if o.MemoryMode != memory.Garbage {
		m[keyMemoryMode] = o.MemoryMode.String()
	}
	return m
}

// OptionsFromMap decodes a loosely typed options map (YAML pipelines, capability args).
func OptionsFromMap(m map[string]any) (Options, error) {
	if len(m) == 0 {
		return Options{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Options{}, err
	}
	var o Options
	err = o.UnmarshalJSON(b)
	return o, err
}
