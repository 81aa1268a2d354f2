package command

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"cmdqueue/internal/diag"
)

var callRe = regexp.MustCompile(`(?s)^\s*([A-Za-z_][\w-]*)\.([A-Za-z_][\w-]*)\s*\((.*)\)\s*;?\s*$`)

func parseErr(op, format string, args ...any) error {
	return diag.New(diag.KindParse, op, fmt.Sprintf(format, args...))
}

// Parse turns `queueable.command(args, options);` into an entry. Both literals
// are optional JSON values. Without an explicit queueRun, top-level entries
// run on Event and nested ones as Sub.
func Parse(text string, parent bool) (*Entry, error) {
	m := callRe.FindStringSubmatch(text)
	if m == nil {
		return nil, parseErr("", "not a command call: %q", strings.TrimSpace(text))
	}
	e := &Entry{Queueable: m[1], Command: m[2]}

	dec := json.NewDecoder(strings.NewReader("[" + m[3] + "]"))
	var parts []json.RawMessage
	if err := dec.Decode(&parts); err != nil {
		return nil, diag.Wrap(diag.KindParse, NoPid, e.Name(), fmt.Errorf("cannot decode arguments: %w", err))
	}
	if dec.More() {
		return nil, parseErr(e.Name(), "trailing data after arguments")
	}
	if len(parts) > 2 {
		return nil, parseErr(e.Name(), "expected at most 2 arguments, got %d", len(parts))
	}
	if len(parts) > 0 {
		if err := json.Unmarshal(parts[0], &e.JSON); err != nil {
			return nil, diag.Wrap(diag.KindParse, NoPid, e.Name(), err)
		}
	}
	if len(parts) > 1 {
		if err := e.Options.UnmarshalJSON(parts[1]); err != nil {
			return nil, diag.Wrap(diag.KindParse, NoPid, e.Name(), err)
		}
	}
	Normalize(e, parent)
	return e, nil
}

// Normalize resets e for submission: ADDED, fresh stack, empty-object args
// when none were given, and the inferred run mode. Links are normalized as nested.
func Normalize(e *Entry, parent bool) {
	e.State = Added
	e.Stack = map[string]any{}
	e.Error = ""
	if e.JSON == nil {
		e.JSON = map[string]any{}
	}
	if e.Options.Run == "" {
		if parent {
			e.Options.Run = Event
		} else {
			e.Options.Run = Sub
		}
	}
	for _, c := range e.Commands {
		Normalize(c, false)
	}
}

// Validate checks that e and all its links name a target.
func Validate(e *Entry) error {
	if e == nil {
		return parseErr("", "nil entry")
	}
	if strings.TrimSpace(e.Queueable) == "" || strings.TrimSpace(e.Command) == "" {
		return parseErr(e.Name(), "entry needs both queueable and command")
	}
	for _, c := range e.Commands {
		if err := Validate(c); err != nil {
			return err
		}
	}
	return nil
}

// Flatten rewrites e.Commands depth-first so no link has links of its own.
func Flatten(e *Entry) {
	if len(e.Commands) == 0 {
		return
	}
	var out []*Entry
	var walk func([]*Entry)
	walk = func(links []*Entry) {
		for _, l := range links {
			nested := l.Commands
			l.Commands = nil
			out = append(out, l)
			walk(nested)
		}
	}
	walk(e.Commands)
	e.Commands = out
}

// ParseScript parses one call per statement. A statement ends at a line
// ending in ';' (or at end of input). Statements starting at column 0 are
// top-level; indented ones are appended to the chain of the preceding
// top-level statement. Blank lines and lines starting with '#' or '//' are
// ignored.
func ParseScript(text string) ([]*Entry, error) {
	var (
		out      []*Entry
		cur      *Entry
		pending  bytes.Buffer
		indented bool
		startAt  int
		lineNo   int
	)

	flush := func() error {
		if pending.Len() == 0 {
			return nil
		}
		stmt := pending.String()
		pending.Reset()
		e, err := Parse(stmt, !indented)
		if err != nil {
			return fmt.Errorf("line %d: %w", startAt, err)
		}
		if indented {
			if cur == nil {
				return parseErr(e.Name(), "line %d: chained call without a preceding top-level call", startAt)
			}
			cur.Commands = append(cur.Commands, e)
			return nil
		}
		cur = e
		out = append(out, e)
		return nil
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if pending.Len() == 0 {
			if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
				continue
			}
			indented = line[0] == ' ' || line[0] == '\t'
			startAt = lineNo
		} else {
			pending.WriteByte('\n')
		}
		pending.WriteString(line)
		if strings.HasSuffix(trimmed, ";") {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, parseErr("", "read script: %v", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}
