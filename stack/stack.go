// Package stack locates trigger pulses in the received buffers and coherently
// sums the samples around them into traces.
package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/ghog"
	"github.com/hb9tf/groundhog/pool"
	"github.com/hb9tf/groundhog/trigger"
)

// Mode selects how consecutive buffers relate to each other.
type Mode int

const (
	// Continuous buffers form one gapless stream. After each pulse most of a
	// repetition period is skipped before searching again.
	Continuous Mode = iota
	// Aligned buffers are individual captures scheduled around the expected
	// trigger. Each buffer holds at most one pulse.
	Aligned
)

func (m Mode) String() string {
	if m == Aligned {
		return "aligned"
	}
	return "continuous"
}

// Nudger receives the offset between where a trigger was expected and where it
// was found. Positive means the pulse arrived late.
type Nudger interface {
	Nudge(offset time.Duration)
}

type Config struct {
	SampleRate      float64
	PRF             float64
	SamplesPerTrace int
	PretrigSamples  int
	Stack           int
	Trigger         int16
	Mode            Mode
	// Nudger is told about every located pulse in Aligned mode. Optional.
	Nudger Nudger
}

// Stats is a snapshot of the stacker's counters.
type Stats struct {
	Traces  uint64
	Stacked uint64
	Dropped uint64
	State   State
}

func (s Stats) String() string {
	return fmt.Sprintf("%s traces=%d stacked=%d dropped=%d", s.State, s.Traces, s.Stacked, s.Dropped)
}

// window slots
const (
	prev = iota
	cur
	next
)

type Stacker struct {
	cfg  Config
	pool *pool.Pool
	src  Source
	sink Sink
	now  func() time.Time

	spb  int
	skip int

	win  [3]pool.Handle
	have [3]bool

	acc   []int64
	count int

	state   atomic.Int32
	traces  atomic.Uint64
	stacked atomic.Uint64
	dropped atomic.Uint64
}

// New returns a stacker reading buffers of p from src and writing to sink.
func New(cfg Config, p *pool.Pool, src Source, sink Sink) (*Stacker, error) {
	spb := p.SamplesPerBuffer()
	switch {
	case cfg.SampleRate <= 0:
		return nil, fmt.Errorf("sample rate must be positive, got %g", cfg.SampleRate)
	case cfg.Mode == Continuous && cfg.PRF <= 0:
		return nil, fmt.Errorf("continuous stacking needs a PRF, got %g", cfg.PRF)
	case cfg.Stack < 1:
		return nil, fmt.Errorf("stack count must be at least 1, got %d", cfg.Stack)
	case cfg.PretrigSamples < 0 || cfg.PretrigSamples >= cfg.SamplesPerTrace:
		return nil, fmt.Errorf("pretrigger samples %d outside [0, %d)", cfg.PretrigSamples, cfg.SamplesPerTrace)
	case cfg.PretrigSamples > spb || cfg.SamplesPerTrace-cfg.PretrigSamples > spb:
		return nil, fmt.Errorf("trace of %d samples (%d pretrigger) does not fit around a buffer of %d", cfg.SamplesPerTrace, cfg.PretrigSamples, spb)
	}
	s := &Stacker{
		cfg:  cfg,
		pool: p,
		src:  src,
		sink: sink,
		now:  time.Now,
		spb:  spb,
		acc:  make([]int64, cfg.SamplesPerTrace),
	}
	if cfg.PRF > 0 {
		s.skip = int(0.95 * cfg.SampleRate / cfg.PRF)
	}
	if s.skip < 1 {
		s.skip = 1
	}
	return s, nil
}

// Stats may be called from any goroutine.
func (s *Stacker) Stats() Stats {
	return Stats{
		Traces:  s.traces.Load(),
		Stacked: s.stacked.Load(),
		Dropped: s.dropped.Load(),
		State:   State(s.state.Load()),
	}
}

func (s *Stacker) setState(to State) {
	from := State(s.state.Load())
	if from == to {
		return
	}
	if !canTransition(from, to) {
		panic(fmt.Sprintf("stack: illegal transition %s -> %s", from, to))
	}
	s.state.Store(int32(to))
	glog.V(2).Infof("stacker %s -> %s", from, to)
}

// Run stacks until the source is exhausted, ctx is done or the sink fails.
// Either way the window is released and the sink closed before it returns.
// Cancellation and source exhaustion are not errors.
func (s *Stacker) Run(ctx context.Context) error {
	if err := s.fill(ctx); err != nil {
		return s.die(err)
	}
	off := 0
	for {
		samples := s.pool.Samples(s.win[cur])
		t := trigger.LocateFrom(samples, off, s.cfg.Trigger)
		if t == s.spb {
			if st := State(s.state.Load()); st != SeekingFirstTrigger {
				if s.cfg.Mode == Aligned {
					s.dropped.Add(1)
					glog.V(3).Infof("no pulse in capture at %s", s.pool.Time(s.win[cur]))
				}
				s.setState(Reseeking)
			}
			if err := s.slide(ctx); err != nil {
				return s.die(err)
			}
			off = 0
			continue
		}
		s.setState(Stacking)

		if s.cfg.Mode == Aligned && s.cfg.Nudger != nil {
			expected := s.cfg.SamplesPerTrace / 2
			s.cfg.Nudger.Nudge(samplesToDuration(float64(t-expected), s.cfg.SampleRate))
		}
		if s.extract(t) {
			s.stacked.Add(1)
			s.count++
			if s.count == s.cfg.Stack {
				if err := s.emit(); err != nil {
					return s.die(err)
				}
			}
		} else {
			s.dropped.Add(1)
		}

		if s.cfg.Mode == Aligned {
			if err := s.slide(ctx); err != nil {
				return s.die(err)
			}
			off = 0
			continue
		}
		adv := t + s.skip
		for adv >= s.spb {
			if err := s.slide(ctx); err != nil {
				return s.die(err)
			}
			adv -= s.spb
			if !s.contiguous(prev, cur) {
				// Samples were lost; the skip no longer lands before the next pulse.
				glog.V(2).Infof("gap before buffer at %s, reseeking", s.pool.Time(s.win[cur]))
				s.setState(Reseeking)
				adv = 0
				break
			}
		}
		off = adv
	}
}

func (s *Stacker) fill(ctx context.Context) error {
	for _, i := range []int{cur, next} {
		h, err := s.src.Next(ctx)
		if err != nil {
			return err
		}
		s.win[i], s.have[i] = h, true
	}
	return nil
}

// slide drops the oldest buffer and pulls a new one in at the front.
func (s *Stacker) slide(ctx context.Context) error {
	if s.have[prev] {
		s.src.Release(s.win[prev])
	}
	s.win[prev], s.have[prev] = s.win[cur], s.have[cur]
	s.win[cur], s.have[cur] = s.win[next], s.have[next]
	s.have[next] = false
	h, err := s.src.Next(ctx)
	if err != nil {
		return err
	}
	s.win[next], s.have[next] = h, true
	return nil
}

// contiguous reports whether buffer b directly follows buffer a, judged by
// their hardware times. Discarded buffers leave gaps in either mode.
func (s *Stacker) contiguous(a, b int) bool {
	if !s.have[a] || !s.have[b] {
		return false
	}
	gap := s.pool.Time(s.win[b]) - s.pool.Time(s.win[a])
	want := samplesToDuration(float64(s.spb), s.cfg.SampleRate)
	tolerance := samplesToDuration(1, s.cfg.SampleRate)
	d := gap - want
	return d > -tolerance && d < tolerance
}

// extract adds the trace around index t of the current buffer to the
// accumulator. It returns false when the trace needs a neighbouring buffer
// that is missing or not contiguous.
func (s *Stacker) extract(t int) bool {
	pre := s.cfg.PretrigSamples
	post := s.cfg.SamplesPerTrace - pre
	if t < pre && !s.contiguous(prev, cur) {
		return false
	}
	if t+post > s.spb && !s.contiguous(cur, next) {
		return false
	}

	c := s.pool.Samples(s.win[cur])
	if t < pre {
		n := pre - t
		p := s.pool.Samples(s.win[prev])
		add(s.acc[:n], p[s.spb-n:])
		add(s.acc[n:pre], c[:t])
	} else {
		add(s.acc[:pre], c[t-pre:t])
	}
	if t+post > s.spb {
		m := s.spb - t
		add(s.acc[pre:pre+m], c[t:])
		add(s.acc[pre+m:], s.pool.Samples(s.win[next])[:post-m])
	} else {
		add(s.acc[pre:], c[t:t+post])
	}
	return true
}

func samplesToDuration(n, rate float64) time.Duration {
	return time.Duration(n * float64(time.Second) / rate)
}

func add(dst []int64, src []int16) {
	for i, v := range src {
		dst[i] += int64(v)
	}
}

func (s *Stacker) emit() error {
	if err := s.sink.Write(ghog.Trace{Time: s.now().UTC(), Data: s.acc}); err != nil {
		return fmt.Errorf("unable to write trace %d: %w", s.traces.Load(), err)
	}
	n := s.traces.Add(1)
	clear(s.acc)
	s.count = 0

	status := ""
	if st, ok := s.src.(interface{ Status() string }); ok {
		status = " " + st.Status()
	}
	glog.V(1).Infof("trace %d written (%d pulses stacked, %d dropped)%s", n, s.stacked.Load(), s.dropped.Load(), status)
	return nil
}

// die moves to Dead, gives the window back and closes the sink.
func (s *Stacker) die(cause error) error {
	s.setState(Dead)
	for i := range s.win {
		if s.have[i] {
			s.src.Release(s.win[i])
			s.have[i] = false
		}
	}
	if s.count > 0 {
		glog.Infof("discarding %d pulses of an incomplete trace", s.count)
	}
	closeErr := s.sink.Close()

	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, io.EOF) {
		glog.Infof("stacker stopped: %s (%s)", cause, s.Stats())
		cause = nil
	} else {
		glog.Errorf("stacker failed: %s (%s)", cause, s.Stats())
	}
	return errors.Join(cause, closeErr)
}
