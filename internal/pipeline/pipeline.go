// Package pipeline loads declarative YAML command files.
//
// A file holds a list of commands and/or a script:
//
//	commands:
//	  - 'internals.setRegister({"name":"ready"}, {"queueRun":"Instant"});'
//	  - queueable: internals
//	    command: setMemory
//	    json: {name: greeting, value: hi}
//	    options: {queuePrepare: greet}
//	    commands:
//	      - 'internals.console({"log":"done"});'
//	script: |
//	  internals.nop({}, {"queueRun":"Instant"});
//	    internals.debug();
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cmdqueue/internal/command"
	"cmdqueue/internal/config"
	"cmdqueue/internal/diag"
	logx "cmdqueue/pkg/logx"
)

type file struct {
	Commands []json.RawMessage `json:"commands"`
	Script   string            `json:"script"`
}

// structured is the mapping form of a command. Links may themselves be
// call strings or mappings.
type structured struct {
	Queueable string            `json:"queueable"`
	Command   string            `json:"command"`
	JSON      any               `json:"json"`
	Options   command.Options   `json:"options"`
	Commands  []json.RawMessage `json:"commands"`
}

// LoadFile reads and parses a pipeline file.
func LoadFile(path string) ([]*command.Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return out, nil
}

// Parse decodes pipeline YAML. Commands come first, then the script.
func Parse(data []byte) ([]*command.Entry, error) {
	jb, err := config.YAMLToJSON(data)
	if err != nil {
		return nil, diag.Wrap(diag.KindParse, command.NoPid, "pipeline", err)
	}
	var f file
	if !bytes.Equal(bytes.TrimSpace(jb), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(jb))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, diag.Wrap(diag.KindParse, command.NoPid, "pipeline", err)
		}
	}

	out := make([]*command.Entry, 0, len(f.Commands))
	for i, raw := range f.Commands {
		e, err := decodeItem(raw, true)
		if err != nil {
			return nil, fmt.Errorf("commands[%d]: %w", i, err)
		}
		out = append(out, e)
	}
	if f.Script != "" {
		es, err := command.ParseScript(f.Script)
		if err != nil {
			return nil, fmt.Errorf("script: %w", err)
		}
		out = append(out, es...)
	}
	return out, nil
}

func decodeItem(raw json.RawMessage, parent bool) (*command.Entry, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, diag.Wrap(diag.KindParse, command.NoPid, "pipeline", err)
		}
		return command.Parse(s, parent)
	}

	var st structured
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		return nil, diag.Wrap(diag.KindParse, command.NoPid, "pipeline", err)
	}
	e := &command.Entry{Queueable: st.Queueable, Command: st.Command, JSON: st.JSON, Options: st.Options}
	for i, l := range st.Commands {
		link, err := decodeItem(l, false)
		if err != nil {
			return nil, fmt.Errorf("%s.commands[%d]: %w", e.Name(), i, err)
		}
		e.Commands = append(e.Commands, link)
	}
	if err := command.Validate(e); err != nil {
		return nil, err
	}
	command.Normalize(e, parent)
	return e, nil
}

// Templates returns copies of the prepared templates in entries with any
// Instant run mode reset, so resubmitting them registers without running.
func Templates(entries []*command.Entry) []*command.Entry {
	var out []*command.Entry
	for _, e := range entries {
		if e.Options.Prepare == "" {
			continue
		}
		c := e.Clone()
		if c.Options.Run == command.Instant {
			c.Options.Run = command.Event
		}
		out = append(out, c)
	}
	return out
}

// Watch calls apply with the prepared templates of path each time the file
// changes and parses cleanly. Blocks until ctx is done.
func Watch(ctx context.Context, path string, log logx.Logger, apply func([]*command.Entry) error) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "pipeline"), logx.String("path", path))
	return config.WatchFile(ctx, path, log, func() {
		entries, err := LoadFile(path)
		if err != nil {
			log.Warn("pipeline reload failed", logx.Err(err))
			return
		}
		tpl := Templates(entries)
		if err := apply(tpl); err != nil {
			log.Warn("pipeline templates rejected", logx.Err(err))
			return
		}
		log.Info("pipeline templates reloaded", logx.Int("count", len(tpl)))
	})
}
