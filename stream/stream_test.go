package stream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hb9tf/groundhog/sdr"
)

// encode interleaves samples as I with a distinct Q.
func encode(samples []int16) []byte {
	b := make([]byte, 0, BytesPerSample*len(samples))
	for _, s := range samples {
		b = binary.LittleEndian.AppendUint16(b, uint16(s))
		b = binary.LittleEndian.AppendUint16(b, uint16(-s))
	}
	return b
}

func ramp(n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(i % 30000)
	}
	return s
}

func fromBytes(b []byte) Opener {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

func checkRamp(t *testing.T, buf []int16, first int) {
	t.Helper()
	for i, v := range buf {
		if want := int16((first + i) % 30000); v != want {
			t.Fatalf("sample %d = %d, want %d", first+i, v, want)
		}
	}
}

func TestContinuous(t *testing.T) {
	r, err := New(Config{SampleRate: 1000, ChunkSamples: 64}, fromBytes(encode(ramp(1000))))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.StartContinuous(); err != nil {
		t.Fatal(err)
	}

	buf := make([]int16, 300)
	for i := 0; i < 3; i++ {
		md, err := r.Receive(buf, time.Second)
		if err != nil {
			t.Fatalf("Receive(%d) = %v", i, err)
		}
		if md.N != 300 || md.Kind != sdr.KindNone {
			t.Fatalf("Receive(%d) metadata = %+v", i, md)
		}
		if want := time.Duration(i) * 300 * time.Millisecond; md.Time != want {
			t.Errorf("Receive(%d) time = %s, want %s", i, md.Time, want)
		}
		checkRamp(t, buf, 300*i)
	}
	if got := r.HardwareTime(); got != 900*time.Millisecond {
		t.Errorf("HardwareTime() = %s, want 900ms", got)
	}

	md, err := r.Receive(buf, time.Second)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Receive() at end = %+v, %v, want io.EOF", md, err)
	}
	if md.N != 100 {
		t.Errorf("last Receive() returned %d samples, want 100", md.N)
	}
	if _, err := r.Receive(buf, time.Second); !errors.Is(err, io.EOF) {
		t.Errorf("Receive() after end = %v, want io.EOF", err)
	}
}

func TestTimedCaptures(t *testing.T) {
	r, err := New(Config{SampleRate: 1000, ChunkSamples: 64}, fromBytes(encode(ramp(2000))))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.IssueCapture(500*time.Millisecond, 100); err != nil {
		t.Fatal(err)
	}
	if err := r.IssueCapture(200*time.Millisecond, 10); err != nil {
		t.Fatal(err)
	}
	if err := r.IssueCapture(-1, 50); err != nil {
		t.Fatal(err)
	}
	if err := r.IssueCapture(time.Second, 300); err != nil {
		t.Fatal(err)
	}

	buf := make([]int16, 200)
	md, err := r.Receive(buf, time.Second)
	if err != nil || md.N != 100 || md.Kind != sdr.KindNone || md.Time != 500*time.Millisecond {
		t.Fatalf("first capture = %+v, %v", md, err)
	}
	checkRamp(t, buf[:100], 500)

	// Sample 200 has already gone by.
	md, err = r.Receive(buf, time.Second)
	if err != nil || md.Kind != sdr.KindOther {
		t.Fatalf("late capture = %+v, %v, want KindOther", md, err)
	}

	// An immediate capture starts where the stream is.
	md, err = r.Receive(buf, time.Second)
	if err != nil || md.N != 50 || md.Time != 600*time.Millisecond {
		t.Fatalf("immediate capture = %+v, %v", md, err)
	}
	checkRamp(t, buf[:50], 600)

	// 300 samples into a buffer of 200 take two calls.
	md, err = r.Receive(buf, time.Second)
	if err != nil || md.N != 200 || md.Time != time.Second {
		t.Fatalf("first half = %+v, %v", md, err)
	}
	checkRamp(t, buf, 1000)
	md, err = r.Receive(buf, time.Second)
	if err != nil || md.N != 100 || md.Time != 1200*time.Millisecond {
		t.Fatalf("second half = %+v, %v", md, err)
	}
	checkRamp(t, buf[:100], 1200)

	// Nothing queued.
	md, err = r.Receive(buf, 10*time.Millisecond)
	if err != nil || md.Kind != sdr.KindTimeout {
		t.Errorf("Receive() without capture = %+v, %v, want KindTimeout", md, err)
	}
}

func TestTimeoutOnSilentStream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	r, err := New(Config{SampleRate: 1000, ChunkSamples: 16}, func() (io.ReadCloser, error) { return pr, nil })
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.IssueCapture(-1, 10); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	md, err := r.Receive(make([]int16, 10), 20*time.Millisecond)
	if err != nil || md.Kind != sdr.KindTimeout {
		t.Errorf("Receive() = %+v, %v, want KindTimeout", md, err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Receive() took %s", d)
	}
}

func TestOverflow(t *testing.T) {
	const chunk = 100
	pr, pw := io.Pipe()
	r, err := New(Config{SampleRate: 1000, ChunkSamples: chunk, Depth: 1, DropOnFull: true}, func() (io.ReadCloser, error) { return pr, nil })
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data := encode(ramp(5 * chunk))
	part := func(i int) []byte { return data[i*chunk*BytesPerSample : (i+1)*chunk*BytesPerSample] }

	// Chunk 0 fills the queue, 1 and 2 are dropped.
	for i := 0; i < 3; i++ {
		if _, err := pw.Write(part(i)); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for r.Dropped() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Dropped() = %d, want 2", r.Dropped())
		}
		time.Sleep(time.Millisecond)
	}
	if err := r.StartContinuous(); err != nil {
		t.Fatal(err)
	}

	go pw.Write(part(3))
	buf := make([]int16, 2*chunk)
	md, err := r.Receive(buf, time.Second)
	if err != nil || md.Kind != sdr.KindOverflow || md.N != chunk {
		t.Fatalf("Receive() across a gap = %+v, %v, want overflow after %d samples", md, err, chunk)
	}

	go func() {
		pw.Write(part(4))
		pw.Close()
	}()
	md, err = r.Receive(buf, time.Second)
	if err != nil || md.Kind != sdr.KindNone || md.N != 2*chunk || md.Time != 300*time.Millisecond {
		t.Fatalf("Receive() after the gap = %+v, %v", md, err)
	}
	checkRamp(t, buf, 3*chunk)
	if _, err := r.Receive(buf, time.Second); !errors.Is(err, io.EOF) {
		t.Errorf("Receive() at end = %v, want io.EOF", err)
	}
}

func TestRecreateAfterInvalidation(t *testing.T) {
	opens := 0
	data := encode(ramp(100))
	r, err := New(Config{SampleRate: 1000, ChunkSamples: 50, EOFInvalidates: true}, func() (io.ReadCloser, error) {
		opens++
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.StartContinuous(); err != nil {
		t.Fatal(err)
	}

	buf := make([]int16, 100)
	if md, err := r.Receive(buf, time.Second); err != nil || md.N != 100 {
		t.Fatalf("Receive() = %+v, %v", md, err)
	}
	if _, err := r.Receive(buf, time.Second); !errors.Is(err, sdr.ErrStreamInvalidated) {
		t.Fatalf("Receive() at end = %v, want ErrStreamInvalidated", err)
	}
	if err := r.IssueCapture(-1, 10); !errors.Is(err, sdr.ErrStreamInvalidated) {
		t.Errorf("IssueCapture() on invalid stream = %v", err)
	}

	if err := r.RecreateStream(); err != nil {
		t.Fatal(err)
	}
	if opens != 2 {
		t.Errorf("stream opened %d times, want 2", opens)
	}
	if err := r.IssueCapture(-1, 20); err != nil {
		t.Fatalf("IssueCapture() after recreate = %v", err)
	}
	md, err := r.Receive(buf, time.Second)
	if err != nil || md.N != 20 {
		t.Fatalf("Receive() after recreate = %+v, %v", md, err)
	}
	// The clock carries on from the first stream.
	if md.Time != 100*time.Millisecond {
		t.Errorf("capture after recreate at %s, want 100ms", md.Time)
	}
	checkRamp(t, buf[:20], 0)
}
