package sdr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStreamInvalidated is returned by a Radio when the capture stream has
	// to be recreated before further commands can be honoured.
	ErrStreamInvalidated = errors.New("capture stream invalidated")
	// ErrInvalidOptions wraps every validation failure of Options.
	ErrInvalidOptions = errors.New("invalid radar options")
)

// ErrorKind classifies the outcome of a single Receive call.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTimeout
	KindOverflow
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindOverflow:
		return "overflow"
	default:
		return "other"
	}
}

// Metadata describes the samples delivered by one Receive call.
type Metadata struct {
	// N is the number of samples written into the buffer.
	N int
	// Time is the hardware time of the first sample.
	Time time.Duration
	Kind ErrorKind
}

// Radio is the receive side of a software defined radio which has already been
// configured (clock source, subdevice, rate, zero center frequency) by its
// setup code. Samples are delivered as the real part of sc16 samples.
//
// Hardware times are durations since the radio's own time epoch.
type Radio interface {
	Name() string
	// IssueCapture queues a single-shot capture of numSamples starting at the
	// given hardware time. A negative time means "as soon as possible".
	IssueCapture(at time.Duration, numSamples int) error
	// StartContinuous switches the radio to free running streaming.
	StartContinuous() error
	// Receive blocks for at most timeout. The returned error is reserved for
	// ErrStreamInvalidated and io.EOF; per-call conditions go to Metadata.Kind.
	Receive(buf []int16, timeout time.Duration) (Metadata, error)
	HardwareTime() time.Duration
	RecreateStream() error
	Close() error
}

// Options is the immutable capture configuration of a recording.
type Options struct {
	// SampleRate in samples per second.
	SampleRate float64
	// PRF is the pulse repetition frequency in Hz, 0 to auto-detect.
	PRF float64
	// SamplesPerTrace is the length of a stacked trace.
	SamplesPerTrace int
	// PretrigSamples is how many samples before the trigger are kept.
	PretrigSamples int
	// Stack is the number of pulses summed into one trace.
	Stack int
	// SamplesPerBuffer is the length of a receive buffer.
	SamplesPerBuffer int
	// Trigger is the amplitude threshold in ADC counts.
	Trigger int16
}

// Validate checks that a trace can always be extracted from a window of three
// consecutive buffers.
func (o Options) Validate() error {
	switch {
	case o.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %f must be positive", ErrInvalidOptions, o.SampleRate)
	case o.PRF < 0:
		return fmt.Errorf("%w: negative PRF %f", ErrInvalidOptions, o.PRF)
	case o.Stack < 1:
		return fmt.Errorf("%w: stack %d must be at least 1", ErrInvalidOptions, o.Stack)
	case o.SamplesPerBuffer < 1:
		return fmt.Errorf("%w: samples per buffer %d must be positive", ErrInvalidOptions, o.SamplesPerBuffer)
	case o.PretrigSamples < 0 || o.PretrigSamples >= o.SamplesPerTrace:
		return fmt.Errorf("%w: need 0 <= pretrig (%d) < spt (%d)", ErrInvalidOptions, o.PretrigSamples, o.SamplesPerTrace)
	case o.PretrigSamples > o.SamplesPerBuffer:
		return fmt.Errorf("%w: pretrig (%d) exceeds spb (%d)", ErrInvalidOptions, o.PretrigSamples, o.SamplesPerBuffer)
	case o.SamplesPerTrace-o.PretrigSamples > o.SamplesPerBuffer:
		return fmt.Errorf("%w: post-trigger samples (%d) exceed spb (%d)", ErrInvalidOptions, o.SamplesPerTrace-o.PretrigSamples, o.SamplesPerBuffer)
	case o.Trigger < 0:
		return fmt.Errorf("%w: negative trigger threshold %d", ErrInvalidOptions, o.Trigger)
	}
	return nil
}

// Period returns the pulse repetition interval. PRF must be set.
func (o Options) Period() time.Duration {
	return time.Duration(float64(time.Second) / o.PRF)
}

// PeriodSamples returns the number of samples between two pulses.
func (o Options) PeriodSamples() float64 {
	return o.SampleRate / o.PRF
}

// SamplesToDuration converts a sample count into a duration at SampleRate.
func (o Options) SamplesToDuration(n float64) time.Duration {
	return time.Duration(n * float64(time.Second) / o.SampleRate)
}
