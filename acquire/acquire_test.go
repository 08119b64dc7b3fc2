package acquire

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hb9tf/groundhog/ghog"
	"github.com/hb9tf/groundhog/schedule"
	"github.com/hb9tf/groundhog/sdr"
	"github.com/hb9tf/groundhog/sim"
	"github.com/hb9tf/groundhog/stack"
)

type memSink struct {
	mu     sync.Mutex
	traces [][]int64
	closed bool
}

func (m *memSink) Write(t ghog.Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces = append(m.traces, append([]int64(nil), t.Data...))
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

const amplitude = 3000

func simRadio(t *testing.T, cfg sim.Config) sdr.Radio {
	t.Helper()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1e6
	}
	if cfg.PRF == 0 {
		cfg.PRF = 1000
	}
	if cfg.Width == 0 {
		cfg.Width = 2
	}
	r, _, err := sim.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestDetectPRF(t *testing.T) {
	opts := sdr.Options{SampleRate: 1e6, SamplesPerTrace: 200, Trigger: 500}
	tests := []struct {
		desc     string
		prf      float64
		declared float64
		round    float64
		want     float64
	}{
		{desc: "detected", prf: 1000, want: 1000},
		{desc: "declared wins", prf: 1000, declared: 990, want: 990},
		{desc: "rounded", prf: 1250, round: 1000, want: 1000},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			radio := simRadio(t, sim.Config{PRF: tc.prf, Amplitude: amplitude})
			o := opts
			o.PRF = tc.declared
			got, err := DetectPRF(context.Background(), radio, o, tc.round)
			if err != nil {
				t.Fatalf("DetectPRF() = %v", err)
			}
			if got != tc.want {
				t.Errorf("DetectPRF() = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestDetectPRFFailures(t *testing.T) {
	opts := sdr.Options{SampleRate: 1e6, SamplesPerTrace: 200, Trigger: 500}

	silent := simRadio(t, sim.Config{Amplitude: 0})
	if _, err := DetectPRF(context.Background(), silent, opts, 0); !errors.Is(err, ErrNoTrigger) {
		t.Errorf("DetectPRF() on silence = %v, want ErrNoTrigger", err)
	}

	short := simRadio(t, sim.Config{Amplitude: amplitude, Samples: 1000})
	if _, err := DetectPRF(context.Background(), short, opts, 0); !errors.Is(err, ErrWarmup) {
		t.Errorf("DetectPRF() on a short stream = %v, want ErrWarmup", err)
	}

	// A single pulse in the warm-up window cannot give a rate.
	single := simRadio(t, sim.Config{PRF: 8, Amplitude: amplitude})
	if _, err := DetectPRF(context.Background(), single, opts, 0); !errors.Is(err, ErrPRFDetection) {
		t.Errorf("DetectPRF() with one pulse = %v, want ErrPRFDetection", err)
	}
	o := opts
	o.PRF = 8
	// The second warm-up window holds the pulse at 125ms.
	if got, err := DetectPRF(context.Background(), single, o, 0); err != nil || got != 8 {
		t.Errorf("DetectPRF() with declared PRF = %f, %v, want 8", got, err)
	}
}

func checkTraces(t *testing.T, traces [][]int64, pretrig, stack int) {
	t.Helper()
	for i, tr := range traces {
		if tr[pretrig] != int64(stack*amplitude) || tr[pretrig-1] != 0 {
			t.Fatalf("trace %d is not aligned on the trigger: %v", i, tr[pretrig-1:pretrig+2])
		}
	}
}

func TestRunPooled(t *testing.T) {
	opts := sdr.Options{
		SampleRate:       1e6,
		SamplesPerTrace:  500,
		PretrigSamples:   50,
		Stack:            10,
		SamplesPerBuffer: 10000,
		Trigger:          500,
	}
	radio := simRadio(t, sim.Config{Amplitude: amplitude, Samples: 600000})
	prf, err := DetectPRF(context.Background(), radio, opts, 0)
	if err != nil {
		t.Fatal(err)
	}
	opts.PRF = prf

	sink := &memSink{}
	st, err := RunPooled(context.Background(), radio, Pooled{Options: opts, Buffers: 8}, sink)
	if err != nil {
		t.Fatalf("RunPooled() = %v", err)
	}
	// 500000 samples after the warm-up hold 500 pulses.
	if st.Traces < 45 || st.Traces > 50 {
		t.Errorf("got %d traces, want about 50", st.Traces)
	}
	if int(st.Traces) != len(sink.traces) || !sink.closed {
		t.Errorf("sink saw %d traces (closed %t), stats say %d", len(sink.traces), sink.closed, st.Traces)
	}
	checkTraces(t, sink.traces, opts.PretrigSamples, opts.Stack)
}

func TestRunPooledCancel(t *testing.T) {
	opts := sdr.Options{SampleRate: 1e6, PRF: 1000, SamplesPerTrace: 500, PretrigSamples: 50, Stack: 10, SamplesPerBuffer: 10000, Trigger: 500}
	radio := simRadio(t, sim.Config{Amplitude: amplitude, Realtime: true})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sink := &memSink{}
	done := make(chan error)
	go func() {
		_, err := RunPooled(ctx, radio, Pooled{Options: opts, Buffers: 8}, sink)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunPooled() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunPooled() ignored cancellation")
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
}

func scheduledConfig() Scheduled {
	return Scheduled{
		Config: schedule.Config{
			Options: sdr.Options{
				SampleRate:       1e6,
				PRF:              1000,
				SamplesPerTrace:  200,
				PretrigSamples:   20,
				Stack:            5,
				SamplesPerBuffer: 400,
				Trigger:          500,
			},
			MinLead: 100 * time.Microsecond,
		},
		Buffers: 16,
	}
}

func TestRunScheduled(t *testing.T) {
	cfg := scheduledConfig()
	radio := simRadio(t, sim.Config{Amplitude: amplitude, Samples: 300000})
	sink := &memSink{}
	st, err := RunScheduled(context.Background(), radio, cfg, sink)
	if err != nil {
		t.Fatalf("RunScheduled() = %v", err)
	}
	if st.Traces < 10 {
		t.Errorf("got %d traces from 300 pulses, want at least 10", st.Traces)
	}
	if st.Dropped != 0 {
		t.Errorf("%d pulses dropped without drift", st.Dropped)
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
	checkTraces(t, sink.traces, cfg.Options.PretrigSamples, cfg.Options.Stack)
}

func TestRunScheduledFollowsDrift(t *testing.T) {
	cfg := scheduledConfig()
	// 200 ppm moves the pulse by 400 samples over the run, more than a
	// capture holds.
	radio := simRadio(t, sim.Config{Amplitude: amplitude, DriftPPM: 200, Samples: 2000000})
	sink := &memSink{}
	st, err := RunScheduled(context.Background(), radio, cfg, sink)
	if err != nil {
		t.Fatalf("RunScheduled() = %v", err)
	}
	if st.Stacked < 500 {
		t.Errorf("only %d pulses stacked", st.Stacked)
	}
	if st.Dropped*20 > st.Stacked {
		t.Errorf("%d pulses dropped for %d stacked, drift not followed", st.Dropped, st.Stacked)
	}
	checkTraces(t, sink.traces, cfg.Options.PretrigSamples, cfg.Options.Stack)
}

func TestRunScheduledWithoutTrigger(t *testing.T) {
	radio := simRadio(t, sim.Config{Amplitude: 0})
	sink := &memSink{}
	if _, err := RunScheduled(context.Background(), radio, scheduledConfig(), sink); !errors.Is(err, schedule.ErrNoTrigger) {
		t.Errorf("RunScheduled() = %v, want ErrNoTrigger", err)
	}
	if !sink.closed {
		t.Error("sink not closed after setup failure")
	}
}

// overflowingRadio reports an overflow on every receive until it has been
// recreated twice, then ends the stream.
type overflowingRadio struct {
	receives, recreated, started int
}

func (r *overflowingRadio) Name() string                        { return "overflowing" }
func (r *overflowingRadio) IssueCapture(time.Duration, int) error { return nil }
func (r *overflowingRadio) HardwareTime() time.Duration           { return 0 }
func (r *overflowingRadio) Close() error                          { return nil }

func (r *overflowingRadio) StartContinuous() error {
	r.started++
	return nil
}

func (r *overflowingRadio) RecreateStream() error {
	r.recreated++
	return nil
}

func (r *overflowingRadio) Receive(buf []int16, _ time.Duration) (sdr.Metadata, error) {
	r.receives++
	if r.recreated >= 2 {
		return sdr.Metadata{}, io.EOF
	}
	return sdr.Metadata{N: len(buf) / 2, Kind: sdr.KindOverflow}, nil
}

func TestRunPooledRestartsPersistentOverflow(t *testing.T) {
	opts := sdr.Options{SampleRate: 1e6, PRF: 1000, SamplesPerTrace: 500, PretrigSamples: 50, Stack: 10, SamplesPerBuffer: 1000, Trigger: 500}
	radio := &overflowingRadio{}
	sink := &memSink{}
	st, err := RunPooled(context.Background(), radio, Pooled{Options: opts, Buffers: 4, MaxFailures: 3}, sink)
	if err != nil {
		t.Fatalf("RunPooled() = %v", err)
	}
	if radio.recreated != 2 || radio.started != 3 {
		t.Errorf("stream recreated %d times, started %d times, want 2 and 3", radio.recreated, radio.started)
	}
	if radio.receives != 7 {
		t.Errorf("%d receives, want 7", radio.receives)
	}
	if st.Traces != 0 || !sink.closed {
		t.Errorf("stats %s, sink closed %t", st, sink.closed)
	}
}

var _ stack.Sink = (*memSink)(nil)
