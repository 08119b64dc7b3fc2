// Package stream turns a continuous byte stream of interleaved little-endian
// 16 bit I/Q samples into an sdr.Radio.
//
// A reader goroutine cuts the stream into chunks and keeps the real part of
// every sample. Receive serves either the whole stream (StartContinuous) or the
// timed captures queued with IssueCapture, discarding whatever lies between
// them. Sample indices count from the first sample ever read and are the
// radio's hardware clock.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/sdr"
)

const (
	DefaultChunkSamples = 4096
	DefaultDepth        = 256

	// BytesPerSample is the size of one sc16 sample on the wire.
	BytesPerSample = 4
)

// Opener (re)opens the underlying byte stream.
type Opener func() (io.ReadCloser, error)

type Config struct {
	Name       string
	SampleRate float64
	// ChunkSamples is the number of samples read from the stream at a time.
	ChunkSamples int
	// Depth is the number of chunks buffered between reader and receiver.
	Depth int
	// DropOnFull drops chunks the receiver has no room for, like a live radio
	// overflowing, instead of pausing the reader.
	DropOnFull bool
	// EOFInvalidates reports the end of the stream as ErrStreamInvalidated
	// instead of io.EOF, for sources that can be restarted.
	EOFInvalidates bool
}

type chunk struct {
	start   int64
	samples []int16
	err     error
}

type command struct {
	start int64 // -1 for now
	n     int
}

type Radio struct {
	cfg  Config
	open Opener

	mu         sync.Mutex
	commands   []command
	continuous bool
	gen        uint64
	base       int64
	chunks     chan chunk
	stop       chan struct{}
	rc         io.ReadCloser
	cmdReady   chan struct{}

	wg       sync.WaitGroup
	free     chan []int16
	produced atomic.Int64
	dropped  atomic.Uint64
	pos      atomic.Int64
	invalid  atomic.Bool

	// Receive side, only touched by the receiving goroutine.
	rgen      uint64
	pending   []int16
	owned     []int16
	pendingAt int64
	failed    error
}

// New opens the stream and starts reading.
func New(cfg Config, open Opener) (*Radio, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %g", sdr.ErrInvalidOptions, cfg.SampleRate)
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultChunkSamples
	}
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.Name == "" {
		cfg.Name = "stream"
	}
	r := &Radio{
		cfg:      cfg,
		open:     open,
		cmdReady: make(chan struct{}, 1),
		free:     make(chan []int16, cfg.Depth+2),
	}
	if err := r.start(0); err != nil {
		return nil, err
	}
	return r, nil
}

// start must be called without mu held and with no reader running.
func (r *Radio) start(base int64) error {
	rc, err := r.open()
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", r.cfg.Name, err)
	}
	ch := make(chan chunk, r.cfg.Depth)
	stop := make(chan struct{})
	r.mu.Lock()
	r.rc, r.chunks, r.stop, r.base = rc, ch, stop, base
	r.commands = nil
	r.gen++
	r.mu.Unlock()
	r.invalid.Store(false)
	r.wg.Add(1)
	go r.read(rc, ch, stop, base)
	return nil
}

func (r *Radio) read(rd io.Reader, ch chan<- chunk, stop <-chan struct{}, next int64) {
	defer r.wg.Done()
	defer close(ch)
	raw := make([]byte, BytesPerSample*r.cfg.ChunkSamples)
	for {
		n, err := io.ReadFull(rd, raw)
		if whole := n / BytesPerSample; whole > 0 {
			s := r.buffer(whole)
			for i := range s {
				s[i] = int16(binary.LittleEndian.Uint16(raw[BytesPerSample*i:]))
			}
			c := chunk{start: next, samples: s}
			next += int64(whole)
			r.produced.Store(next)
			if r.cfg.DropOnFull {
				select {
				case ch <- c:
				case <-stop:
					return
				default:
					if d := r.dropped.Add(1); d == 1 || d%1000 == 0 {
						glog.Warningf("%s: receiver too slow, %d chunks dropped", r.cfg.Name, d)
					}
				}
			} else {
				select {
				case ch <- c:
				case <-stop:
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			select {
			case ch <- chunk{start: next, err: err}:
			case <-stop:
			}
			return
		}
	}
}

func (r *Radio) buffer(n int) []int16 {
	select {
	case b := <-r.free:
		if cap(b) >= n {
			return b[:n]
		}
	default:
	}
	return make([]int16, n, r.cfg.ChunkSamples)
}

func (r *Radio) recycle(b []int16) {
	select {
	case r.free <- b:
	default:
	}
}

func (r *Radio) Name() string {
	return r.cfg.Name
}

// Dropped returns the number of chunks lost because the receiver fell behind.
func (r *Radio) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Radio) toIndex(at time.Duration) int64 {
	if at < 0 {
		return -1
	}
	return int64(math.Round(float64(at) * r.cfg.SampleRate / float64(time.Second)))
}

func (r *Radio) toTime(idx int64) time.Duration {
	return time.Duration(float64(idx) * float64(time.Second) / r.cfg.SampleRate)
}

// IssueCapture queues a capture of n samples starting at hardware time at, or
// at the next sample received if at is negative.
func (r *Radio) IssueCapture(at time.Duration, n int) error {
	if r.invalid.Load() {
		return sdr.ErrStreamInvalidated
	}
	if n <= 0 {
		return fmt.Errorf("%w: capture of %d samples", sdr.ErrInvalidOptions, n)
	}
	r.mu.Lock()
	r.commands = append(r.commands, command{start: r.toIndex(at), n: n})
	r.mu.Unlock()
	select {
	case r.cmdReady <- struct{}{}:
	default:
	}
	return nil
}

// StartContinuous makes Receive return consecutive samples from now on.
func (r *Radio) StartContinuous() error {
	if r.invalid.Load() {
		return sdr.ErrStreamInvalidated
	}
	r.mu.Lock()
	r.continuous = true
	r.commands = nil
	r.mu.Unlock()
	return nil
}

// HardwareTime is the time of the next sample the receiver will look at.
func (r *Radio) HardwareTime() time.Duration {
	return r.toTime(r.pos.Load())
}

// next returns the capture to serve, waiting for one until deadline. cont is
// set in continuous mode.
func (r *Radio) next(deadline <-chan time.Time) (cmd command, cont, ok bool) {
	for {
		r.mu.Lock()
		if r.continuous {
			r.mu.Unlock()
			return command{start: -1}, true, true
		}
		if len(r.commands) > 0 {
			c := r.commands[0]
			r.mu.Unlock()
			return c, false, true
		}
		r.mu.Unlock()
		select {
		case <-r.cmdReady:
		case <-deadline:
			return command{}, false, false
		}
	}
}

// done pops the head command if it is still the one being served.
func (r *Radio) done(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == gen && !r.continuous && len(r.commands) > 0 {
		r.commands = r.commands[1:]
	}
}

// Receive fills buf with the next capture, or with the next len(buf) samples
// in continuous mode. Captures longer than buf are returned over several calls.
func (r *Radio) Receive(buf []int16, timeout time.Duration) (sdr.Metadata, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	r.mu.Lock()
	gen, ch, base := r.gen, r.chunks, r.base
	r.mu.Unlock()
	if gen != r.rgen {
		r.rgen = gen
		r.drop()
		r.pendingAt = base
		r.pos.Store(base)
		r.failed = nil
	}
	if r.failed != nil {
		return sdr.Metadata{}, r.failed
	}

	cmd, cont, ok := r.next(timer.C)
	if !ok {
		return sdr.Metadata{Kind: sdr.KindTimeout}, nil
	}
	start, want := cmd.start, cmd.n
	if cont {
		want = len(buf)
	}
	if start < 0 {
		start = r.pendingAt
	}
	if want > len(buf) {
		want = len(buf)
	}
	md := sdr.Metadata{Time: r.toTime(start)}
	if start < r.pendingAt {
		r.done(gen)
		glog.V(2).Infof("%s: capture at sample %d is late, stream is at %d", r.cfg.Name, start, r.pendingAt)
		md.Kind = sdr.KindOther
		return md, nil
	}

	var err error
	md.N, md.Kind, err = r.fill(buf[:want], start, ch, timer.C)
	switch {
	case err != nil:
		return md, err
	case cont:
	case md.Kind != sdr.KindNone:
		r.done(gen)
	default:
		r.advance(gen, cmd, start, md.N)
	}
	return md, nil
}

// advance consumes n samples of the head command, popping it when complete.
func (r *Radio) advance(gen uint64, cmd command, start int64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || len(r.commands) == 0 {
		return
	}
	if n >= cmd.n {
		r.commands = r.commands[1:]
		return
	}
	r.commands[0] = command{start: start + int64(n), n: cmd.n - n}
}

// fill copies samples [start, start+len(dst)) of the stream into dst.
func (r *Radio) fill(dst []int16, start int64, ch <-chan chunk, deadline <-chan time.Time) (int, sdr.ErrorKind, error) {
	filled := 0
	for filled < len(dst) {
		if len(r.pending) == 0 {
			r.drop()
			select {
			case c, ok := <-ch:
				if !ok {
					// The stream was recreated underneath us.
					return filled, sdr.KindOther, nil
				}
				if c.err != nil {
					return filled, sdr.KindNone, r.fail(c.err)
				}
				if c.start > r.pendingAt {
					glog.V(2).Infof("%s: %d samples lost before %d", r.cfg.Name, c.start-r.pendingAt, c.start)
				}
				r.owned, r.pending, r.pendingAt = c.samples, c.samples, c.start
			case <-deadline:
				return filled, sdr.KindTimeout, nil
			}
		}
		if r.pendingAt < start {
			skip := start - r.pendingAt
			if skip > int64(len(r.pending)) {
				skip = int64(len(r.pending))
			}
			r.consume(int(skip))
			continue
		}
		if r.pendingAt != start+int64(filled) {
			return filled, sdr.KindOverflow, nil
		}
		k := copy(dst[filled:], r.pending)
		r.consume(k)
		filled += k
	}
	return filled, sdr.KindNone, nil
}

func (r *Radio) consume(n int) {
	r.pending = r.pending[n:]
	r.pendingAt += int64(n)
	r.pos.Store(r.pendingAt)
}

// drop recycles the current chunk once it is used up.
func (r *Radio) drop() {
	if r.owned != nil {
		r.recycle(r.owned)
	}
	r.owned, r.pending = nil, nil
}

func (r *Radio) fail(err error) error {
	if errors.Is(err, io.EOF) && !r.cfg.EOFInvalidates {
		glog.Infof("%s: end of stream at sample %d", r.cfg.Name, r.pendingAt)
		r.failed = io.EOF
		return io.EOF
	}
	glog.Warningf("%s: stream failed: %s", r.cfg.Name, err)
	r.invalid.Store(true)
	r.failed = sdr.ErrStreamInvalidated
	return r.failed
}

// RecreateStream tears the stream down and opens it again. Queued captures are
// discarded; the hardware clock continues where the old stream stopped.
func (r *Radio) RecreateStream() error {
	if err := r.shutdown(); err != nil {
		glog.Warningf("%s: closing stream: %s", r.cfg.Name, err)
	}
	return r.start(r.produced.Load())
}

func (r *Radio) shutdown() error {
	r.mu.Lock()
	stop, rc := r.stop, r.rc
	r.stop, r.rc = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	err := rc.Close()
	r.wg.Wait()
	return err
}

func (r *Radio) Close() error {
	return r.shutdown()
}

var _ sdr.Radio = (*Radio)(nil)
