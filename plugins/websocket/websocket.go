// Package websocket is a queueable holding one client websocket connection.
// Inbound JSON messages are stored in Session memory and routed to the
// prepared queue named by a routing field of the message.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cmdqueue/internal/engine"
	"cmdqueue/internal/memory"
	logx "cmdqueue/pkg/logx"
)

const Name = "websocket"

// Register and memory names used by the connection lifecycle.
const (
	RegisterActive = "wsActive"
	MemLastRecv    = "wsLastRecv"
	MemLastSent    = "wsLastSent"
	MemClose       = "wsCloseDetails"
	MemError       = "wsErrorDetails"
	QueueClose     = "wsClose"
	QueueError     = "wsError"
	DefaultRoute   = "queue"
	DefaultBulk    = "bulkQueue"
)

var (
	ErrNotConnected = errors.New("websocket not connected")
	ErrBufferFull   = errors.New("websocket send buffer full")
)

type Config struct {
	// SendRate limits outbound messages per second. Zero means unlimited.
	SendRate  float64       `json:"send_rate"`
	SendBurst int           `json:"send_burst"`
	Buffer    int           `json:"buffer"`
	Handshake time.Duration `json:"-"`
	// HandshakeTimeout is a Go duration string; it overrides Handshake when set.
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if d, err := time.ParseDuration(c.HandshakeTimeout); err == nil && d > 0 {
		c.Handshake = d
	}
	if c.Handshake <= 0 {
		c.Handshake = 10 * time.Second
	}
	return c
}

type Plugin struct {
	engine.Base
	cfg     Config
	limiter *rate.Limiter
	ctx     context.Context

	mu   sync.Mutex
	conn *conn
	// bulk holds the routing values still awaited from the last bulk send.
	bulk      []any
	bulkQueue string
	wg        sync.WaitGroup
}

type conn struct {
	ws        *websocket.Conn
	route     string
	recvQueue string
	out       chan []byte
	cancel    context.CancelFunc
	closing   atomic.Bool
	closeOnce sync.Once
}

func New(cfg Config) *Plugin {
	cfg = cfg.withDefaults()
	lim := rate.NewLimiter(rate.Inf, cfg.SendBurst)
	if cfg.SendRate > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst)
	}
	return &Plugin{cfg: cfg, limiter: lim, bulkQueue: DefaultBulk}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(ctx context.Context, host engine.Host) error {
	p.InitBase(Name, host)
	p.ctx = ctx
	p.SetReady(true)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.SetReady(false)
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c != nil {
		c.shutdown(websocket.CloseGoingAway, "shutdown")
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Plugin) Operations() map[string]engine.Operation {
	return map[string]engine.Operation{
		"websocketInit":  p.websocketInit,
		"websocketSend":  p.websocketSend,
		"websocketClose": p.websocketClose,
	}
}

type initArgs struct {
	URL       string `json:"url"`
	Queue     string `json:"queue"`
	RecvQueue string `json:"recvQueue"`
}

// websocketInit dials in the background and finishes once connected.
func (p *Plugin) websocketInit(_ context.Context, c *engine.Call) error {
	a, err := engine.DecodeArgs[initArgs](c)
	if err != nil {
		return err
	}
	if a.URL == "" {
		a.URL = "ws://localhost"
	}
	if a.Queue == "" {
		a.Queue = DefaultRoute
	}

	p.mu.Lock()
	old := p.conn
	p.conn = nil
	p.mu.Unlock()
	if old != nil {
		old.shutdown(websocket.CloseNormalClosure, "reconnect")
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.connect(c, a)
	}()
	return nil
}

func (p *Plugin) connect(call *engine.Call, a initArgs) {
	parent := p.ctx
	if parent == nil {
		parent = context.Background()
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: p.cfg.Handshake}
	dctx, cancelDial := context.WithTimeout(parent, p.cfg.Handshake)
	ws, _, err := dialer.DialContext(dctx, a.URL, nil)
	cancelDial()
	if err != nil {
		p.Log.Warn("websocket dial failed", logx.String("url", a.URL), logx.Err(err))
		p.failure(err)
		_ = call.Fail(fmt.Sprintf("websocket dial %s: %v", a.URL, err))
		return
	}

	ctx, cancel := context.WithCancel(parent)
	c := &conn{ws: ws, route: a.Queue, recvQueue: a.RecvQueue, out: make(chan []byte, p.cfg.Buffer), cancel: cancel}
	p.mu.Lock()
	p.conn = c
	p.bulk = nil
	p.mu.Unlock()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.writeLoop(ctx, c)
	}()
	go func() {
		defer p.wg.Done()
		p.readLoop(c)
	}()

	p.Log.Info("websocket connected", logx.String("url", a.URL))
	p.Host.SetRegister(RegisterActive)
	_ = call.OK()
}

func (p *Plugin) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.out:
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				p.Log.Warn("websocket write failed", logx.Err(err))
				c.shutdown(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}

func (p *Plugin) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			p.closed(c, err)
			return
		}
		var msg any
		if err := json.Unmarshal(data, &msg); err != nil {
			p.Log.Debug("websocket message is not json", logx.Err(err))
			continue
		}
		p.receive(c, msg)
	}
}

func (p *Plugin) receive(c *conn, msg any) {
	obj, _ := msg.(map[string]any)
	key := obj[c.route]
	name, _ := key.(string)
	if name != "" {
		if err := p.Host.SetMemory(name, msg, memory.Session); err != nil {
			p.Log.Warn("store message failed", logx.String("name", name), logx.Err(err))
		}
	}
	_ = p.Host.SetMemory(MemLastRecv, msg, memory.Session)

	p.mu.Lock()
	wasBulk := false
	if key != nil {
		kept := p.bulk[:0]
		for _, b := range p.bulk {
			if memory.SameValue(b, key) {
				wasBulk = true
				continue
			}
			kept = append(kept, b)
		}
		p.bulk = kept
	}
	bulkDone := wasBulk && len(p.bulk) == 0
	bulkQueue := p.bulkQueue
	p.mu.Unlock()

	switch {
	case !wasBulk:
		if name != "" {
			p.Host.Execute(name, nil, false)
		}
	case bulkDone:
		p.Host.Execute(bulkQueue, nil, false)
	default:
		return
	}
	if c.recvQueue != "" {
		p.Host.Execute(c.recvQueue, nil, false)
	}
}

func (p *Plugin) closed(c *conn, err error) {
	var details map[string]any
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		details = map[string]any{"code": float64(ce.Code), "reason": ce.Text}
	} else {
		details = map[string]any{"code": float64(websocket.CloseAbnormalClosure), "reason": err.Error()}
		if !c.closing.Load() {
			p.failure(err)
		}
	}
	c.shutdown(websocket.CloseNormalClosure, "")

	p.mu.Lock()
	current := p.conn == c
	if current {
		p.conn = nil
	}
	p.mu.Unlock()

	p.Log.Info("websocket closed", logx.Any("details", details))
	_ = p.Host.SetMemory(MemClose, details, memory.Session)
	if current {
		p.Host.DeleteRegister(RegisterActive)
	}
	p.Host.Execute(QueueClose, nil, true)
}

func (p *Plugin) failure(err error) {
	_ = p.Host.SetMemory(MemError, map[string]any{"error": err.Error()}, memory.Session)
	p.Host.Execute(QueueError, nil, true)
}

type sendArgs struct {
	Message   any    `json:"message"`
	Bulk      []any  `json:"bulk"`
	BulkQueue string `json:"bulkQueue"`
	SendQueue string `json:"sendQueue"`
	Debug     bool   `json:"debug"`
}

func (p *Plugin) websocketSend(_ context.Context, c *engine.Call) error {
	a, err := engine.DecodeArgs[sendArgs](c)
	if err != nil {
		return err
	}
	if a.Debug {
		p.Log.Info("websocket send", logx.Any("args", c.Args))
	}

	p.mu.Lock()
	cn := p.conn
	p.mu.Unlock()
	if cn == nil {
		return c.Fail(ErrNotConnected.Error())
	}

	_ = p.Host.SetMemory(MemLastSent, c.Args, memory.Session)
	if a.SendQueue != "" {
		p.Host.Execute(a.SendQueue, nil, false)
	}

	msgs := []any{a.Message}
	if len(a.Bulk) > 0 {
		keys := make([]any, 0, len(a.Bulk))
		for _, m := range a.Bulk {
			if obj, ok := m.(map[string]any); ok {
				keys = append(keys, obj[cn.route])
			}
		}
		p.mu.Lock()
		p.bulk = keys
		p.bulkQueue = a.BulkQueue
		if p.bulkQueue == "" {
			p.bulkQueue = DefaultBulk
		}
		p.mu.Unlock()
		msgs = a.Bulk
	}

	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		select {
		case cn.out <- b:
		default:
			return ErrBufferFull
		}
	}
	return c.OK()
}

func (p *Plugin) websocketClose(_ context.Context, c *engine.Call) error {
	p.mu.Lock()
	cn := p.conn
	p.mu.Unlock()
	if cn != nil {
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	return c.OK()
}

// shutdown stops the writer and closes the socket. Safe to call repeatedly.
func (c *conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.cancel()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
