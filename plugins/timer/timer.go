// Package timer is a queueable that executes prepared queues on cron
// schedules, fixed intervals or after a one-shot delay.
package timer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cmdqueue/internal/command"
	"cmdqueue/internal/engine"
	logx "cmdqueue/pkg/logx"
)

const Name = "timer"

type Config struct {
	// Timezone for cron expressions (IANA name). Empty means local time.
	Timezone string `json:"timezone"`
}

type Plugin struct {
	engine.Base
	cfg Config

	mu     sync.Mutex
	c      *cron.Cron
	jobs   map[string]cron.EntryID
	timers map[string]*time.Timer
	seq    uint64
}

func New(cfg Config) *Plugin {
	return &Plugin{
		cfg:    cfg,
		jobs:   map[string]cron.EntryID{},
		timers: map[string]*time.Timer{},
	}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(ctx context.Context, host engine.Host) error {
	p.InitBase(Name, host)
	loc := time.Local
	if tz := strings.TrimSpace(p.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	p.mu.Lock()
	p.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	p.c.Start()
	p.mu.Unlock()
	p.SetReady(true)
	p.Log.Info("timer started", logx.String("tz", loc.String()))
	return nil
}

// Stop halts cron triggering and pending one-shot timers.
func (p *Plugin) Stop(ctx context.Context) error {
	p.SetReady(false)
	p.mu.Lock()
	c := p.c
	p.c = nil
	for name, t := range p.timers {
		t.Stop()
		delete(p.timers, name)
	}
	p.jobs = map[string]cron.EntryID{}
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Plugin) Operations() map[string]engine.Operation {
	return map[string]engine.Operation{
		"schedule": p.schedule,
		"after":    p.after,
		"cancel":   p.cancel,
		"list":     p.list,
	}
}

type scheduleArgs struct {
	Name  string `json:"name"`
	Spec  string `json:"spec"`
	Queue string `json:"queue"`
	JSON  any    `json:"json"`
}

func (p *Plugin) schedule(_ context.Context, c *engine.Call) error {
	a, err := engine.DecodeArgs[scheduleArgs](c)
	if err != nil {
		return err
	}
	if a.Queue == "" {
		return fmt.Errorf("schedule: queue required")
	}
	if a.Name == "" {
		a.Name = a.Queue
	}
	spec, err := ParseSpec(a.Spec)
	if err != nil {
		return err
	}
	sched, err := spec.schedule()
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.c == nil {
		p.mu.Unlock()
		return fmt.Errorf("schedule: timer stopped")
	}
	p.removeLocked(a.Name)
	name, queue, args := a.Name, a.Queue, a.JSON
	p.jobs[name] = p.c.Schedule(sched, cron.FuncJob(func() { p.fire(name, queue, args) }))
	p.mu.Unlock()

	p.Log.Info("schedule added", logx.String("name", name), logx.String("spec", a.Spec), logx.String("source", spec.Source))
	return c.OK()
}

type afterArgs struct {
	Name  string `json:"name"`
	Delay any    `json:"delay"`
	Queue string `json:"queue"`
	JSON  any    `json:"json"`
}

func (p *Plugin) after(_ context.Context, c *engine.Call) error {
	a, err := engine.DecodeArgs[afterArgs](c)
	if err != nil {
		return err
	}
	if a.Queue == "" {
		return fmt.Errorf("after: queue required")
	}
	d, err := ParseDelay(a.Delay)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.c == nil {
		p.mu.Unlock()
		return fmt.Errorf("after: timer stopped")
	}
	p.seq++
	name := a.Name
	if name == "" {
		name = fmt.Sprintf("after-%d", p.seq)
	}
	p.removeLocked(name)
	queue, args := a.Queue, a.JSON
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		p.mu.Lock()
		if p.timers[name] != t {
			p.mu.Unlock()
			return
		}
		delete(p.timers, name)
		p.mu.Unlock()
		p.fire(name, queue, args)
	})
	p.timers[name] = t
	p.mu.Unlock()

	p.Log.Debug("one-shot added", logx.String("name", name), logx.Duration("delay", d))
	return c.OK()
}

func (p *Plugin) cancel(_ context.Context, c *engine.Call) error {
	name := c.String("name")
	p.mu.Lock()
	removed := p.removeLocked(name)
	p.mu.Unlock()
	if !removed {
		return c.Warn(fmt.Sprintf("no such timer [%s]", name))
	}
	p.Log.Info("timer cancelled", logx.String("name", name))
	return c.OK()
}

// list stores the active timer names as the entry's memory.
func (p *Plugin) list(_ context.Context, c *engine.Call) error {
	names := p.Names()
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	c.Set(out)
	return c.OK()
}

// Names returns scheduled and pending one-shot timer names.
func (p *Plugin) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.jobs)+len(p.timers))
	for n := range p.jobs {
		out = append(out, n)
	}
	for n := range p.timers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (p *Plugin) removeLocked(name string) bool {
	removed := false
	if id, ok := p.jobs[name]; ok {
		if p.c != nil {
			p.c.Remove(id)
		}
		delete(p.jobs, name)
		removed = true
	}
	if t, ok := p.timers[name]; ok {
		t.Stop()
		delete(p.timers, name)
		removed = true
	}
	return removed
}

func (p *Plugin) fire(name, queue string, args any) {
	p.Log.Debug("timer fired", logx.String("name", name), logx.String("queue", queue))
	if !p.Host.Execute(queue, command.CloneValue(args), false) {
		p.Log.Warn("timer queue not executed", logx.String("name", name), logx.String("queue", queue))
	}
}
