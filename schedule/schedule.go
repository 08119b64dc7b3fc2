// Package schedule captures one trigger-aligned window per radar pulse instead
// of streaming continuously.
//
// A reference trigger time t0 is measured once. The Scheduler then issues a
// timed capture for every pulse N at t0 + basis + N/prf, shifted so the trigger
// lands in the middle of the trace. The stacker reports how far off each pulse
// was and the scheduler folds that into basis every DriftEvery captures, which
// keeps the windows on the pulses while the radar and radio clocks drift apart.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/sdr"
	"github.com/hb9tf/groundhog/trigger"
)

var (
	ErrNoTrigger   = errors.New("no trigger in reference capture")
	ErrBadCapture  = errors.New("reference capture failed")
	ErrGaveUp      = errors.New("unable to re-acquire reference")
	ErrInvalidPlan = errors.New("invalid schedule")
)

const (
	DefaultLookahead          = 8
	DefaultDriftEvery         = 64
	DefaultMinLead            = 2 * time.Millisecond
	DefaultMaxFailures        = 10
	DefaultMaxAcquireAttempts = 5
)

// Config tunes the scheduler and the receiver. Zero values take the defaults.
type Config struct {
	Options sdr.Options
	// Lookahead is how many periods ahead of the hardware clock captures are
	// queued.
	Lookahead int
	// DriftEvery is the number of captures between drift corrections. It must
	// exceed Lookahead.
	DriftEvery int
	// MinLead is the least time ahead of the hardware clock a capture may be
	// issued at.
	MinLead time.Duration
	// MaxFailures consecutive bad receives trigger a stream recovery.
	MaxFailures int
	// MaxAcquireAttempts bounds reference re-acquisition.
	MaxAcquireAttempts int
	// ReceiveTimeout bounds every Receive call.
	ReceiveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lookahead == 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.DriftEvery == 0 {
		c.DriftEvery = DefaultDriftEvery
	}
	if c.MinLead == 0 {
		c.MinLead = DefaultMinLead
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.MaxAcquireAttempts == 0 {
		c.MaxAcquireAttempts = DefaultMaxAcquireAttempts
	}
	if c.ReceiveTimeout == 0 && c.Options.PRF > 0 {
		c.ReceiveTimeout = time.Duration(c.Lookahead+2)*c.Options.Period() +
			c.Options.SamplesToDuration(float64(c.Options.SamplesPerBuffer)) + 100*time.Millisecond
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Options.PRF <= 0:
		return fmt.Errorf("%w: scheduled capture needs a PRF", ErrInvalidPlan)
	case c.Options.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate must be positive", ErrInvalidPlan)
	case c.Lookahead < 1:
		return fmt.Errorf("%w: lookahead must be at least one period", ErrInvalidPlan)
	case c.DriftEvery <= c.Lookahead:
		return fmt.Errorf("%w: drift correction every %d captures must exceed the lookahead of %d", ErrInvalidPlan, c.DriftEvery, c.Lookahead)
	case c.Options.PretrigSamples > c.Options.SamplesPerTrace/2:
		return fmt.Errorf("%w: %d pretrigger samples do not fit before the trigger at %d", ErrInvalidPlan, c.Options.PretrigSamples, c.Options.SamplesPerTrace/2)
	case c.Options.SamplesPerBuffer < c.Options.SamplesPerTrace/2+c.Options.SamplesPerTrace-c.Options.PretrigSamples:
		return fmt.Errorf("%w: a capture of %d samples cannot hold a trace of %d centred at %d", ErrInvalidPlan, c.Options.SamplesPerBuffer, c.Options.SamplesPerTrace, c.Options.SamplesPerTrace/2)
	}
	return nil
}

// ReferenceLen is the number of samples captured to find the reference
// trigger: a bit more than one repetition period.
func ReferenceLen(opts sdr.Options) int {
	return int(math.Ceil(1.2 * opts.PeriodSamples()))
}

// AcquireReference captures a little more than one period right away, locates
// the trigger in it and publishes its hardware time to shared.
func AcquireReference(ctx context.Context, radio sdr.Radio, opts sdr.Options, shared *Shared) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := ReferenceLen(opts)
	buf := make([]int16, n)
	if err := radio.IssueCapture(-1, n); err != nil {
		return 0, err
	}
	timeout := opts.SamplesToDuration(float64(n)) + 500*time.Millisecond
	md, err := radio.Receive(buf, timeout)
	if err != nil {
		return 0, err
	}
	if md.Kind != sdr.KindNone || md.N != n {
		return 0, fmt.Errorf("%w: %s, %d of %d samples", ErrBadCapture, md.Kind, md.N, n)
	}
	idx := trigger.Locate(buf, opts.Trigger)
	if idx == n {
		return 0, fmt.Errorf("%w (%d samples above %d)", ErrNoTrigger, n, opts.Trigger)
	}
	t0 := md.Time + opts.SamplesToDuration(float64(idx))
	epoch := shared.SetReference(t0)
	glog.Infof("reference trigger at %s (sample %d of capture at %s, epoch %d)", t0, idx, md.Time, epoch)
	return t0, nil
}

// Scheduler issues the timed captures.
type Scheduler struct {
	cfg    Config
	radio  sdr.Radio
	shared *Shared

	period time.Duration
	// half shifts each capture so the trigger lands at SamplesPerTrace/2.
	half time.Duration
}

func NewScheduler(cfg Config, radio sdr.Radio, shared *Shared) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:    cfg,
		radio:  radio,
		shared: shared,
		period: cfg.Options.Period(),
		half:   cfg.Options.SamplesToDuration(float64(cfg.Options.SamplesPerTrace / 2)),
	}, nil
}

func (s *Scheduler) captureTime(t0, basis time.Duration, n int64) time.Duration {
	return t0 + basis + time.Duration(float64(n)*float64(time.Second)/s.cfg.Options.PRF) - s.half
}

type outcome int

const (
	stopped outcome = iota
	recovering
	replaced
)

// Run schedules captures until ctx is done. It returns nil on cancellation and
// an error only when the stream cannot be recreated.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		t0, epoch, err := s.shared.WaitReference(ctx)
		if err != nil {
			return nil
		}
		switch s.follow(ctx, t0, epoch) {
		case stopped:
			return nil
		case replaced:
			continue
		}
		glog.Warningf("recreating stream of %s", s.radio.Name())
		if err := s.radio.RecreateStream(); err != nil {
			return fmt.Errorf("unable to recreate stream: %w", err)
		}
		s.shared.Invalidate()
	}
}

// follow issues captures against one reference until ctx is done, a recovery
// is needed or the reference changes.
func (s *Scheduler) follow(ctx context.Context, t0 time.Duration, epoch uint64) outcome {
	var (
		basis  time.Duration
		n      int64
		issued int
	)
	horizon := time.Duration(s.cfg.Lookahead) * s.period
	for {
		if ctx.Err() != nil {
			return stopped
		}
		if s.shared.RecoveryRequested() {
			return recovering
		}
		if _, e, _ := s.shared.Reference(); e != epoch {
			return replaced
		}

		at := s.captureTime(t0, basis, n)
		now := s.radio.HardwareTime()
		if at < now+s.cfg.MinLead {
			behind := now + s.cfg.MinLead - at
			skip := int64(math.Ceil(float64(behind) / float64(s.period)))
			if skip < 1 {
				skip = 1
			}
			glog.V(1).Infof("capture %d is %s late, skipping %d pulses", n, behind, skip)
			n += skip
			continue
		}
		if at > now+horizon {
			select {
			case <-ctx.Done():
			case <-s.shared.Changed():
			case <-time.After(s.period):
			}
			continue
		}

		err := s.radio.IssueCapture(at, s.cfg.Options.SamplesPerBuffer)
		if errors.Is(err, sdr.ErrStreamInvalidated) {
			return recovering
		}
		if err != nil {
			glog.Warningf("unable to issue capture %d at %s: %s", n, at, err)
		} else {
			glog.V(3).Infof("capture %d at %s", n, at)
		}
		n++
		issued++
		if issued%s.cfg.DriftEvery == 0 {
			if d := s.shared.TakeNudge(); d != 0 {
				basis += d
				glog.V(1).Infof("drift correction %s, basis now %s", d, basis)
			}
		}
	}
}
