package config

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "cmdqueue/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the capability names whose
// enable flag or config changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.sync", newCfg.Engine.Sync),
			logx.String("engine.default_timer", strings.TrimSpace(newCfg.Engine.DefaultTimer)),
			logx.String("engine.error_queue", strings.TrimSpace(newCfg.Engine.ErrorQueue)),
		)
	}

	if oldCfg.Memory != newCfg.Memory {
		changed = append(changed, "memory")
		attrs = append(attrs,
			logx.String("memory.key_prefix", newCfg.Memory.KeyPrefix),
			logx.String("memory.expiry", newCfg.Memory.Expiry),
		)
	}

	// Storage path is reported only as set/unset.
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Predicate != newCfg.Predicate {
		changed = append(changed, "predicate")
		attrs = append(attrs,
			logx.Bool("predicate.lua", newCfg.Predicate.Lua),
			logx.Int("predicate.lua_budget", newCfg.Predicate.LuaBudget),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pipelines, newCfg.Pipelines) || oldCfg.Watch != newCfg.Watch {
		changed = append(changed, "pipelines")
		attrs = append(attrs,
			logx.Int("pipelines.count", len(newCfg.Pipelines)),
			logx.Bool("watch", newCfg.Watch),
		)
	}

	capChanged := diffCapabilities(oldCfg.Capabilities, newCfg.Capabilities)
	if len(capChanged) > 0 {
		changed = append(changed, "capabilities")
		attrs = append(attrs,
			logx.Int("capabilities.changed_count", len(capChanged)),
			logx.Int("capabilities.enabled_count", countEnabled(newCfg.Capabilities)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, capChanged
}

// RestartRequired reports whether the changed sections can only take effect
// after a restart. Logging and pipelines are applied live.
func RestartRequired(sections []string) bool {
	for _, s := range sections {
		switch s {
		case "logging", "pipelines":
		default:
			return true
		}
	}
	return false
}

func countEnabled(m map[string]CapabilityConfig) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffCapabilities(oldM, newM map[string]CapabilityConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o := oldM[name]
		n := newM[name]
		if o.Enabled != n.Enabled || !sameJSON(o.Config, n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// sameJSON compares two raw JSON blocks ignoring whitespace and key order.
// Invalid JSON falls back to a byte comparison.
func sameJSON(a, b json.RawMessage) bool {
	ca, errA := canonicalJSON(a)
	cb, errB := canonicalJSON(b)
	if errA != nil || errB != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return bytes.Equal(ca, cb)
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
