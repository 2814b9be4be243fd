package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tutorlive/internal/observe"
	"github.com/MrWong99/tutorlive/pkg/audio"
)

// ErrSchedulerClosed is returned by [Scheduler.Schedule] after Close.
var ErrSchedulerClosed = errors.New("voice: scheduler closed")

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger. Default slog.Default().
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// WithSchedulerMetrics records queue depth on m.PlaybackQueued.
func WithSchedulerMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

type queued struct {
	voice audio.Voice
	start time.Duration
}

// Scheduler plays decoded buffers back to back on an [audio.Output].
//
// Each buffer starts at max(clock, now) where clock is the end of the
// previously scheduled buffer, so buffers arriving faster than real time
// queue without gaps and never overlap. [Scheduler.Interrupt] stops
// everything and resets the clock.
//
// Schedule calls are serialised; buffers start in the order they were
// scheduled. The clock is never exposed.
type Scheduler struct {
	out     audio.Output
	log     *slog.Logger
	metrics *observe.Metrics

	mu          sync.Mutex
	clock       time.Duration
	active      map[uint64]queued
	seq         uint64
	interrupted bool
	closed      bool
	watchers    sync.WaitGroup
}

// NewScheduler returns a Scheduler that owns no device: out stays owned by
// the caller and is not closed by [Scheduler.Close].
func NewScheduler(out audio.Output, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:    out,
		log:    slog.Default(),
		active: make(map[uint64]queued),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule queues buf and returns its start time on the output clock.
func (s *Scheduler) Schedule(buf audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSchedulerClosed
	}

	start := max(s.clock, s.out.Now())
	v, err := s.out.Schedule(buf, start)
	if err != nil {
		return 0, err
	}
	s.clock = start + buf.Duration()
	s.interrupted = false

	s.seq++
	id := s.seq
	s.active[id] = queued{voice: v, start: start}
	s.addQueued(1)

	s.watchers.Add(1)
	go s.retire(id, v)
	return start, nil
}

// retire removes a voice from the active set once it finished or was
// stopped.
func (s *Scheduler) retire(id uint64, v audio.Voice) {
	defer s.watchers.Done()
	<-v.Done()

	s.mu.Lock()
	_, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if ok {
		s.addQueued(-1)
	}
}

// Interrupt stops every scheduled or playing buffer, discards those not yet
// started and resets the clock so the next buffer starts at "now". It returns
// the number of buffers stopped. With nothing queued it is a no-op.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	n := len(s.active)
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	voices := make([]audio.Voice, 0, n)
	for _, q := range s.active {
		voices = append(voices, q.voice)
	}
	clear(s.active)
	s.clock = 0
	s.interrupted = true
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	s.addQueued(-int64(n))
	s.log.Debug("playback interrupted", "stopped", n)
	return n
}

// Pending returns the number of buffers scheduled and not yet finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// State reports the playback state at the output's current time.
func (s *Scheduler) State() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) == 0 {
		if s.interrupted {
			return PlaybackInterrupted
		}
		return PlaybackEmpty
	}
	now := s.out.Now()
	for _, q := range s.active {
		if q.start <= now {
			return PlaybackPlaying
		}
	}
	return PlaybackScheduled
}

// Close stops all playback and rejects further buffers. It waits for the
// retire goroutines and is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Interrupt()
	s.watchers.Wait()
}

func (s *Scheduler) addQueued(n int64) {
	if s.metrics != nil {
		s.metrics.PlaybackQueued.Add(context.Background(), n)
	}
}
