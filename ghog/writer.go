package ghog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/glog"
)

// Options tune the Writer.
type Options struct {
	// Sync additionally fsyncs the file after every trace.
	Sync bool
}

// Writer appends traces to a groundhog file. It is not safe for concurrent use;
// the stacker is its only caller.
type Writer struct {
	f      *os.File
	w      *bufio.Writer
	header Header
	opts   Options
	buf    []byte
	closed bool
	count  uint64
}

// Create creates path (truncating an existing file) and writes the header.
func Create(path string, header Header, opts Options) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create trace file %q: %w", path, err)
	}
	w := &Writer{
		f:      f,
		w:      bufio.NewWriter(f),
		header: header,
		opts:   opts,
		buf:    make([]byte, header.TraceLen()),
	}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write header to %q: %w", path, err)
	}
	glog.Infof("writing traces to %s (%s)", path, header)
	return w, nil
}

func (w *Writer) writeHeader() error {
	b := make([]byte, 0, HeaderLen)
	b = binary.LittleEndian.AppendUint32(b, MagicHeader)
	b = binary.LittleEndian.AppendUint64(b, w.header.SamplesPerTrace)
	b = binary.LittleEndian.AppendUint64(b, w.header.PretrigSamples)
	b = binary.LittleEndian.AppendUint64(b, w.header.PRF)
	b = binary.LittleEndian.AppendUint64(b, w.header.StackCount)
	b = binary.LittleEndian.AppendUint16(b, uint16(w.header.TriggerThreshold))
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(w.header.SampleRate))
	b = binary.LittleEndian.AppendUint32(b, MagicData)
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.flush()
}

func (w *Writer) flush() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	if w.opts.Sync {
		return w.f.Sync()
	}
	return nil
}

// Name returns the path of the underlying file.
func (w *Writer) Name() string {
	return w.f.Name()
}

// Header returns the header the file was created with.
func (w *Writer) Header() Header {
	return w.header
}

// Count returns the number of traces written so far.
func (w *Writer) Count() uint64 {
	return w.count
}

// Write appends one trace and flushes it to the operating system so a crash
// loses at most the trace being written.
func (w *Writer) Write(t Trace) error {
	if w.closed {
		return ErrWriterClosed
	}
	if uint64(len(t.Data)) != w.header.SamplesPerTrace {
		return fmt.Errorf("%w: got %d samples, want %d", ErrTraceLength, len(t.Data), w.header.SamplesPerTrace)
	}
	copy(w.buf, FormatTimestamp(t.Time))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint64(w.buf[TimestampLen+8*i:], uint64(v))
	}
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("unable to write trace %d: %w", w.count, err)
	}
	if err := w.flush(); err != nil {
		return fmt.Errorf("unable to flush trace %d: %w", w.count, err)
	}
	w.count++
	return nil
}

// Close writes the trailer and closes the file. Calling Close again is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var trailer [TrailerLen]byte
	binary.LittleEndian.PutUint32(trailer[:], MagicTrailer)
	_, err := w.w.Write(trailer[:])
	if err == nil {
		err = w.flush()
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("unable to close trace file %q: %w", w.f.Name(), err)
	}
	glog.Infof("closed %s after %d traces", w.f.Name(), w.count)
	return nil
}

// NextFileName returns the first dir/groundhogNNNN.ghog that does not exist yet.
func NextFileName(dir string) (string, error) {
	for i := 0; i < 10000; i++ {
		name := filepath.Join(dir, fmt.Sprintf("groundhog%04d%s", i, Extension))
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("out of file names in %q", dir)
}

var _ io.Closer = (*Writer)(nil)
