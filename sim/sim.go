// Package sim synthesizes the sample stream of an impulse radar so the
// recorder can run without hardware.
package sim

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/stream"
)

const SourceName = "sim"

// Config describes the simulated radar.
type Config struct {
	SampleRate float64
	PRF        float64
	// Amplitude of the transmit pulse in ADC counts.
	Amplitude int16
	// Width of the transmit pulse in samples.
	Width int
	// Echoes are delays in samples after the pulse with their amplitudes.
	Echoes []Echo
	// Noise is the peak amplitude of uniform noise.
	Noise int16
	// DriftPPM skews the radar's clock against the radio's.
	DriftPPM float64
	// Offset is the time of the first pulse.
	Offset time.Duration
	// Realtime paces the stream to the wall clock and drops samples the
	// receiver does not keep up with, like a live radio.
	Realtime bool
	// Samples ends the stream after this many samples; 0 runs forever.
	Samples int64
	Seed    uint64
}

type Echo struct {
	Delay     int
	Amplitude int16
}

// DefaultEchoes is a surface reflection followed by two fainter layers.
var DefaultEchoes = []Echo{{Delay: 40, Amplitude: 400}, {Delay: 120, Amplitude: 150}, {Delay: 210, Amplitude: -80}}

// Generator produces the samples. Its position survives stream restarts, the
// way a real radar keeps pulsing while the radio is reset.
type Generator struct {
	cfg    Config
	period float64 // samples per pulse on the radio's clock
	first  float64

	mu  sync.Mutex
	pos int64
	rng *rand.Rand
}

func NewGenerator(cfg Config) *Generator {
	if cfg.Width <= 0 {
		cfg.Width = 1
	}
	return &Generator{
		cfg:    cfg,
		period: cfg.SampleRate / cfg.PRF * (1 + cfg.DriftPPM*1e-6),
		first:  cfg.Offset.Seconds() * cfg.SampleRate,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Period returns the true pulse spacing in samples.
func (g *Generator) Period() float64 {
	return g.period
}

// PulseAt returns the sample index of pulse k.
func (g *Generator) PulseAt(k int64) int64 {
	return int64(math.Ceil(g.first + float64(k)*g.period))
}

// sample returns the value at index i, without noise.
func (g *Generator) sample(i int64) int16 {
	if float64(i) < g.first {
		return 0
	}
	k := int64(math.Floor((float64(i) - g.first) / g.period))
	var v int32
	// A pulse's echoes can reach into the following periods.
	for ; k >= 0; k-- {
		d := i - g.PulseAt(k)
		if d < 0 {
			continue
		}
		if d >= int64(g.maxDelay()) {
			break
		}
		if d < int64(g.cfg.Width) {
			v += int32(g.cfg.Amplitude)
		}
		for _, e := range g.cfg.Echoes {
			if d == int64(e.Delay) {
				v += int32(e.Amplitude)
			}
		}
	}
	return clamp(v)
}

func (g *Generator) maxDelay() int {
	m := g.cfg.Width
	for _, e := range g.cfg.Echoes {
		if e.Delay+1 > m {
			m = e.Delay + 1
		}
	}
	return m
}

func clamp(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Fill writes the next len(dst) samples and returns the index of the first.
func (g *Generator) Fill(dst []int16) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	start := g.pos
	for i := range dst {
		v := int32(g.sample(start + int64(i)))
		if g.cfg.Noise > 0 {
			v += g.rng.Int32N(2*int32(g.cfg.Noise)+1) - int32(g.cfg.Noise)
		}
		dst[i] = clamp(v)
	}
	g.pos += int64(len(dst))
	return start
}

// reader encodes generator output as sc16 bytes.
type reader struct {
	g       *Generator
	rate    float64
	pace    bool
	limit   int64
	started time.Time
	base    int64
	buf     []int16
	closed  chan struct{}
	once    sync.Once
}

func (r *reader) Read(p []byte) (int, error) {
	select {
	case <-r.closed:
		return 0, errors.New("sim: read from closed stream")
	default:
	}
	n := len(p) / stream.BytesPerSample
	if n == 0 {
		return 0, io.ErrShortBuffer
	}
	if r.limit > 0 {
		r.g.mu.Lock()
		left := r.limit - r.g.pos
		r.g.mu.Unlock()
		if left <= 0 {
			return 0, io.EOF
		}
		if int64(n) > left {
			n = int(left)
		}
	}
	if cap(r.buf) < n {
		r.buf = make([]int16, n)
	}
	samples := r.buf[:n]
	start := r.g.Fill(samples)
	if r.pace {
		due := r.started.Add(time.Duration(float64(start+int64(n)-r.base) * float64(time.Second) / r.rate))
		if d := time.Until(due); d > 0 {
			select {
			case <-time.After(d):
			case <-r.closed:
				return 0, errors.New("sim: read from closed stream")
			}
		}
	}
	for i, s := range samples {
		binary.LittleEndian.PutUint16(p[stream.BytesPerSample*i:], uint16(s))
		binary.LittleEndian.PutUint16(p[stream.BytesPerSample*i+2:], 0)
	}
	return n * stream.BytesPerSample, nil
}

func (r *reader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// New returns a radio streaming the simulated radar.
func New(cfg Config) (*stream.Radio, *Generator, error) {
	g := NewGenerator(cfg)
	open := func() (io.ReadCloser, error) {
		g.mu.Lock()
		base := g.pos
		g.mu.Unlock()
		return &reader{
			g:       g,
			rate:    cfg.SampleRate,
			pace:    cfg.Realtime,
			limit:   cfg.Samples,
			started: time.Now(),
			base:    base,
			closed:  make(chan struct{}),
		}, nil
	}
	glog.Infof("simulating %g Hz PRF at %g samples/s (drift %g ppm, realtime %t)", cfg.PRF, cfg.SampleRate, cfg.DriftPPM, cfg.Realtime)
	r, err := stream.New(stream.Config{
		Name:       SourceName,
		SampleRate: cfg.SampleRate,
		DropOnFull: cfg.Realtime,
	}, open)
	if err != nil {
		return nil, nil, err
	}
	return r, g, nil
}
