package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/pool"
	"github.com/hb9tf/groundhog/sdr"
)

// Receiver collects the scheduled captures into pool buffers and hands them to
// the stacker. It owns reference acquisition: whenever the reference is invalid
// it measures a new one before receiving further captures.
type Receiver struct {
	cfg    Config
	radio  sdr.Radio
	shared *Shared
	pool   *pool.Pool

	failures int

	received  atomic.Uint64
	discarded atomic.Uint64
	recovered atomic.Uint64
}

func NewReceiver(cfg Config, radio sdr.Radio, shared *Shared, p *pool.Pool) (*Receiver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if p.SamplesPerBuffer() != cfg.Options.SamplesPerBuffer {
		return nil, fmt.Errorf("%w: pool buffers hold %d samples, captures %d", ErrInvalidPlan, p.SamplesPerBuffer(), cfg.Options.SamplesPerBuffer)
	}
	return &Receiver{cfg: cfg, radio: radio, shared: shared, pool: p}, nil
}

// Next returns the next complete capture. It returns io.EOF when the radio is
// exhausted and ErrGaveUp when the reference cannot be re-acquired.
func (r *Receiver) Next(ctx context.Context) (pool.Handle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pool.Handle{}, err
		}
		_, _, valid := r.shared.Reference()
		if !valid {
			if err := r.reacquire(ctx); err != nil {
				return pool.Handle{}, err
			}
			continue
		}
		if r.failures >= r.cfg.MaxFailures {
			glog.Warningf("%d consecutive bad captures, requesting stream recovery", r.failures)
			if err := r.recover(ctx); err != nil {
				return pool.Handle{}, err
			}
			continue
		}

		h := r.pool.Acquire()
		md, err := r.radio.Receive(r.pool.Samples(h), r.cfg.ReceiveTimeout)
		switch {
		case errors.Is(err, sdr.ErrStreamInvalidated):
			r.pool.Release(h)
			glog.Warningf("stream invalidated while receiving")
			if err := r.recover(ctx); err != nil {
				return pool.Handle{}, err
			}
			continue
		case err != nil:
			r.pool.Release(h)
			return pool.Handle{}, err
		}
		if md.Kind != sdr.KindNone || md.N != r.cfg.Options.SamplesPerBuffer {
			r.pool.Release(h)
			r.failures++
			r.discarded.Add(1)
			glog.Warningf("discarding capture: %s, %d of %d samples", md.Kind, md.N, r.cfg.Options.SamplesPerBuffer)
			continue
		}
		r.failures = 0
		r.received.Add(1)
		r.pool.SetTime(h, md.Time)
		return h, nil
	}
}

func (r *Receiver) Release(h pool.Handle) {
	r.pool.Release(h)
}

// recover asks the scheduler to recreate the stream and waits until it has
// invalidated the reference.
func (r *Receiver) recover(ctx context.Context) error {
	r.failures = 0
	r.recovered.Add(1)
	r.shared.RequestRecovery()
	return r.shared.WaitInvalid(ctx)
}

func (r *Receiver) reacquire(ctx context.Context) error {
	for attempt := 1; attempt <= r.cfg.MaxAcquireAttempts; attempt++ {
		_, err := AcquireReference(ctx, r.radio, r.cfg.Options, r.shared)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			return err
		}
		glog.Warningf("reference acquisition attempt %d/%d failed: %s", attempt, r.cfg.MaxAcquireAttempts, err)
	}
	return fmt.Errorf("%w after %d attempts", ErrGaveUp, r.cfg.MaxAcquireAttempts)
}

// Status reports the receive counters for the progress log.
func (r *Receiver) Status() string {
	return fmt.Sprintf("received=%d discarded=%d recoveries=%d free=%d",
		r.received.Load(), r.discarded.Load(), r.recovered.Load(), r.pool.Free.Size())
}
