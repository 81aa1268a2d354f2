package diag

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cmdqueue/internal/eventbus"
	logx "cmdqueue/pkg/logx"
)

// Record is one reported diagnostic.
type Record struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Pid     int64     `json:"pid"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message"`
}

type Options struct {
	// History bounds the in-memory record ring. Default 200.
	History int
	// RatePerSec throttles Warn logs. Records are kept regardless. Default 5.
	RatePerSec float64
	Burst      int
}

// Sink is where every engine error ends up. Nothing is thrown back to submitters.
type Sink struct {
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter

	suppressed atomic.Uint64

	mu      sync.Mutex
	limit   int
	history []Record
}

func NewSink(log logx.Logger, bus eventbus.Bus, opt Options) *Sink {
	if opt.History <= 0 {
		opt.History = 200
	}
	if opt.RatePerSec <= 0 {
		opt.RatePerSec = 5
	}
	if opt.Burst <= 0 {
		opt.Burst = 10
	}
	return &Sink{
		log:     log.With(logx.String("comp", "diag")),
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(opt.RatePerSec), opt.Burst),
		limit:   opt.History,
	}
}

// Report records err. Errors that are not *Error are recorded as runtime errors.
func (s *Sink) Report(err error) Record {
	if err == nil {
		return Record{}
	}
	var de *Error
	if !errors.As(err, &de) {
		de = &Error{Kind: KindRuntime, Pid: -1, Err: err}
	}

	rec := Record{
		ID:      uuid.NewString(),
		Time:    time.Now(),
		Kind:    de.Kind,
		Pid:     de.Pid,
		Op:      de.Op,
		Message: err.Error(),
	}

	if s == nil {
		return rec
	}

	s.mu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > s.limit {
		s.history = s.history[len(s.history)-s.limit:]
	}
	s.mu.Unlock()

	if s.limiter.Allow() {
		fields := []logx.Field{
			logx.String("id", rec.ID),
			logx.String("kind", string(rec.Kind)),
			logx.Int64("pid", rec.Pid),
			logx.String("op", rec.Op),
		}
		if n := s.suppressed.Swap(0); n > 0 {
			fields = append(fields, logx.Uint64("suppressed", n))
		}
		s.log.Warn(rec.Message, fields...)
	} else {
		s.suppressed.Add(1)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.DiagPrefix + string(rec.Kind), Time: rec.Time, Data: rec})
	}
	return rec
}

// History returns a copy of the recorded diagnostics, oldest first.
func (s *Sink) History() []Record {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.history))
	copy(out, s.history)
	return out
}

// Suppressed returns how many log lines were dropped by the limiter since the last emitted one.
func (s *Sink) Suppressed() uint64 {
	if s == nil {
		return 0
	}
	return s.suppressed.Load()
}
