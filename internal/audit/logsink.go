package audit

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// LogSink writes events to a zerolog logger. Deny events can arrive at
// request rate, so they are sampled; everything else is always logged.
type LogSink struct {
	log        zerolog.Logger
	denies     *rate.Limiter
	suppressed atomic.Int64
}

// NewLogSink logs at most denyPerSecond deny events per second with a burst
// of the same size. A non-positive rate logs every deny.
func NewLogSink(log zerolog.Logger, denyPerSecond float64) *LogSink {
	s := &LogSink{log: log.With().Str("component", "audit").Logger()}
	if denyPerSecond > 0 {
		s.denies = rate.NewLimiter(rate.Limit(denyPerSecond), max(1, int(denyPerSecond)))
	}
	return s
}

func (s *LogSink) Write(e Event) error {
	var ev *zerolog.Event
	switch e.Event {
	case EventDeny:
		if s.denies != nil && !s.denies.AllowN(e.Timestamp, 1) {
			s.suppressed.Add(1)
			return nil
		}
		ev = s.log.Debug()
		if n := s.suppressed.Swap(0); n > 0 {
			ev = ev.Int64("suppressed", n)
		}
	case EventStoreUnavailable, EventEscalation, EventEmergencyEnabled:
		ev = s.log.Warn()
	default:
		ev = s.log.Info()
	}

	ev = ev.Str("event", string(e.Event)).Time("at", e.Timestamp)
	if e.Identifier != "" {
		ev = ev.Str("identifier", e.Identifier)
	}
	if e.ConfigName != "" {
		ev = ev.Str("limiter", e.ConfigName)
	}
	if e.Actor != "" {
		ev = ev.Str("actor", e.Actor)
	}
	ev.Str("reason", e.Reason).Msg("audit")
	return nil
}
