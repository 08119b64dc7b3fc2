// Package acquire wires a radio, the buffer pool, the stacker and the sinks
// into a running recording.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/pool"
	"github.com/hb9tf/groundhog/schedule"
	"github.com/hb9tf/groundhog/sdr"
	"github.com/hb9tf/groundhog/stack"
	"github.com/hb9tf/groundhog/trigger"
)

var (
	ErrWarmup       = errors.New("warm-up capture failed")
	ErrNoTrigger    = errors.New("no trigger during warm-up")
	ErrPRFDetection = errors.New("unable to detect PRF")
)

const (
	// WarmupDuration is the length of the capture PRF detection runs on.
	WarmupDuration = 100 * time.Millisecond
	// WarmupTimeout is added to the capture length when waiting for it.
	WarmupTimeout = 500 * time.Millisecond
)

// DetectPRF captures WarmupDuration of samples right away and estimates the
// PRF from it. The capture must contain a trigger. A declared PRF in opts wins
// over the estimate; without one a failed estimate is an error. A positive
// round rounds the estimate to that many Hz.
func DetectPRF(ctx context.Context, radio sdr.Radio, opts sdr.Options, round float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := int(opts.SampleRate * WarmupDuration.Seconds())
	buf := make([]int16, n)
	if err := radio.IssueCapture(-1, n); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWarmup, err)
	}
	md, err := radio.Receive(buf, WarmupDuration+WarmupTimeout)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWarmup, err)
	}
	if md.Kind != sdr.KindNone || md.N != n {
		return 0, fmt.Errorf("%w: %s, got %d of %d samples", ErrWarmup, md.Kind, md.N, n)
	}
	if trigger.Locate(buf, opts.Trigger) == n {
		return 0, fmt.Errorf("%w: no sample above %d in %d", ErrNoTrigger, opts.Trigger, n)
	}

	prf := trigger.EstimatePRF(buf, opts.Trigger, opts.SamplesPerTrace, opts.SampleRate, trigger.DefaultMaxTriggers)
	if round > 0 && prf > 0 {
		prf = trigger.Round(prf, round)
	}
	switch {
	case opts.PRF > 0:
		glog.Infof("detected PRF %.1f Hz, using declared %.1f Hz", prf, opts.PRF)
		return opts.PRF, nil
	case prf <= 0:
		return 0, ErrPRFDetection
	}
	glog.Infof("detected PRF %.1f Hz", prf)
	return prf, nil
}

func stackConfig(opts sdr.Options, mode stack.Mode, nudger stack.Nudger) stack.Config {
	return stack.Config{
		SampleRate:      opts.SampleRate,
		PRF:             opts.PRF,
		SamplesPerTrace: opts.SamplesPerTrace,
		PretrigSamples:  opts.PretrigSamples,
		Stack:           opts.Stack,
		Trigger:         opts.Trigger,
		Mode:            mode,
		Nudger:          nudger,
	}
}

// Pooled configures RunPooled.
type Pooled struct {
	Options sdr.Options
	// Buffers is the number of preallocated sample buffers.
	Buffers int
	// ReceiveTimeout bounds each Receive; zero means one second.
	ReceiveTimeout time.Duration
	// MaxFailures consecutive discarded buffers restart the stream; zero means
	// schedule.DefaultMaxFailures.
	MaxFailures int
}

// RunPooled streams continuously: a producer goroutine receives into pool
// buffers and a consumer goroutine stacks them. It returns once ctx is done,
// the radio is exhausted or the sink fails. The sink is always closed.
func RunPooled(ctx context.Context, radio sdr.Radio, cfg Pooled, sink stack.Sink) (stack.Stats, error) {
	p := pool.New(cfg.Buffers, cfg.Options.SamplesPerBuffer)
	stacker, err := stack.New(stackConfig(cfg.Options, stack.Continuous, nil), p, stack.PoolSource{Pool: p}, sink)
	if err != nil {
		return stack.Stats{}, errors.Join(err, sink.Close())
	}
	if err := radio.StartContinuous(); err != nil {
		return stack.Stats{}, errors.Join(fmt.Errorf("unable to start streaming: %w", err), sink.Close())
	}
	timeout := cfg.ReceiveTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = schedule.DefaultMaxFailures
	}

	// The consumer drains the full queue after the producer stops, so its
	// context is only cancelled by the producer.
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	producerCtx, stopProducer := context.WithCancel(ctx)
	defer stopConsumer()
	defer stopProducer()

	var (
		wg       sync.WaitGroup
		stackErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stopConsumer()
		produce(producerCtx, radio, p, timeout, maxFailures)
	}()
	go func() {
		defer wg.Done()
		defer stopProducer()
		stackErr = stacker.Run(consumerCtx)
	}()
	wg.Wait()

	p.Close()
	return stacker.Stats(), stackErr
}

func produce(ctx context.Context, radio sdr.Radio, p *pool.Pool, timeout time.Duration, maxFailures int) {
	var received, discarded, failures uint64
	defer func() {
		glog.Infof("receiver stopped after %d buffers (%d discarded)", received, discarded)
	}()
	for ctx.Err() == nil {
		h := p.Acquire()
		md, err := radio.Receive(p.Samples(h), timeout)
		switch {
		case errors.Is(err, sdr.ErrStreamInvalidated):
			p.Release(h)
			glog.Warningf("stream invalidated, restarting %s", radio.Name())
			if !restart(radio) {
				return
			}
			failures = 0
			continue
		case errors.Is(err, io.EOF):
			p.Release(h)
			glog.Infof("%s exhausted", radio.Name())
			return
		case err != nil:
			p.Release(h)
			glog.Errorf("receive failed: %s", err)
			return
		}
		if md.Kind != sdr.KindNone || md.N != p.SamplesPerBuffer() {
			p.Release(h)
			discarded++
			failures++
			glog.Warningf("discarding buffer: %s, %d of %d samples", md.Kind, md.N, p.SamplesPerBuffer())
			if failures >= uint64(maxFailures) {
				glog.Warningf("%d consecutive bad buffers, restarting %s", failures, radio.Name())
				if !restart(radio) {
					return
				}
				failures = 0
			}
			continue
		}
		failures = 0
		p.SetTime(h, md.Time)
		p.Full.Push(h)
		received++
	}
}

// restart recreates the stream and resumes continuous streaming.
func restart(radio sdr.Radio) bool {
	if err := radio.RecreateStream(); err != nil {
		glog.Errorf("unable to recreate stream: %s", err)
		return false
	}
	if err := radio.StartContinuous(); err != nil {
		glog.Errorf("unable to restart streaming: %s", err)
		return false
	}
	return true
}

// Scheduled configures RunScheduled.
type Scheduled struct {
	schedule.Config
	Buffers int
}

// RunScheduled measures a reference trigger, then runs the scheduler on the
// calling goroutine and the receiver and stacker on another. A failure to find
// the reference trigger is returned before anything else starts. The sink is
// always closed.
func RunScheduled(ctx context.Context, radio sdr.Radio, cfg Scheduled, sink stack.Sink) (stack.Stats, error) {
	shared := schedule.NewShared()
	p := pool.New(cfg.Buffers, cfg.Options.SamplesPerBuffer)
	defer p.Close()

	scheduler, err := schedule.NewScheduler(cfg.Config, radio, shared)
	if err != nil {
		return stack.Stats{}, errors.Join(err, sink.Close())
	}
	receiver, err := schedule.NewReceiver(cfg.Config, radio, shared, p)
	if err != nil {
		return stack.Stats{}, errors.Join(err, sink.Close())
	}
	stacker, err := stack.New(stackConfig(cfg.Options, stack.Aligned, shared), p, receiver, sink)
	if err != nil {
		return stack.Stats{}, errors.Join(err, sink.Close())
	}
	if _, err := schedule.AcquireReference(ctx, radio, cfg.Options, shared); err != nil {
		return stack.Stats{}, errors.Join(err, sink.Close())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg       sync.WaitGroup
		stackErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		stackErr = stacker.Run(ctx)
	}()
	schedErr := scheduler.Run(ctx)
	if schedErr != nil {
		glog.Errorf("scheduler stopped: %s", schedErr)
	}
	cancel()
	wg.Wait()
	glog.Infof("scheduled recording finished: %s", receiver.Status())
	return stacker.Stats(), errors.Join(schedErr, stackErr)
}
