package ghog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/golang/glog"
)

// Reader iterates over the traces of a groundhog file. Files cut short by a
// crash, without a trailer or with a partial last trace, are read up to the
// last complete trace.
type Reader struct {
	r        *bufio.Reader
	closer   io.Closer
	header   Header
	buf      []byte
	data     []int64
	trailer  bool
	count    uint64
	finished bool
}

// Open opens path and parses its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to read %q: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader parses the header from r.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{r: bufio.NewReader(r)}
	h, err := readHeader(rd.r)
	if err != nil {
		return nil, err
	}
	rd.header = h
	rd.buf = make([]byte, h.TraceLen())
	rd.data = make([]int64, h.SamplesPerTrace)
	return rd, nil
}

func readHeader(r io.Reader) (Header, error) {
	var b [HeaderLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, fmt.Errorf("short header: %w", err)
	}
	le := binary.LittleEndian
	if m := le.Uint32(b[0:]); m != MagicHeader {
		return Header{}, fmt.Errorf("%w: header starts with %#08x", ErrBadMagic, m)
	}
	h := Header{
		SamplesPerTrace:  le.Uint64(b[4:]),
		PretrigSamples:   le.Uint64(b[12:]),
		PRF:              le.Uint64(b[20:]),
		StackCount:       le.Uint64(b[28:]),
		TriggerThreshold: int16(le.Uint16(b[36:])),
		SampleRate:       math.Float64frombits(le.Uint64(b[38:])),
	}
	if m := le.Uint32(b[46:]); m != MagicData {
		return Header{}, fmt.Errorf("%w: data section starts with %#08x", ErrBadMagic, m)
	}
	return h, nil
}

// Header returns the parsed file header.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next trace, or io.EOF once the trailer or the end of the
// file is reached. The returned Data is reused by the following call.
func (r *Reader) Next() (Trace, error) {
	if r.finished {
		return Trace{}, io.EOF
	}
	// The trailer is shorter than any trace, so peek before committing.
	head, err := r.r.Peek(TrailerLen)
	if errors.Is(err, io.EOF) && len(head) == 0 {
		r.finished = true
		return Trace{}, io.EOF
	}
	if len(head) == TrailerLen && binary.LittleEndian.Uint32(head) == MagicTrailer {
		r.finished = true
		r.trailer = true
		return Trace{}, io.EOF
	}

	n, err := io.ReadFull(r.r, r.buf)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF):
		glog.Warningf("dropping partial trace %d (%d of %d bytes)", r.count, n, len(r.buf))
		r.finished = true
		return Trace{}, io.EOF
	case err != nil:
		return Trace{}, err
	}

	ts, err := ParseTimestamp(r.buf[:TimestampLen])
	if err != nil {
		return Trace{}, fmt.Errorf("trace %d: bad timestamp %q: %w", r.count, r.buf[:TimestampLen], err)
	}
	for i := range r.data {
		r.data[i] = int64(binary.LittleEndian.Uint64(r.buf[TimestampLen+8*i:]))
	}
	r.count++
	return Trace{Time: ts, Data: r.data}, nil
}

// Complete reports whether the trailer was found. It is only meaningful after
// Next returned io.EOF.
func (r *Reader) Complete() bool {
	return r.trailer
}

// Count returns the number of traces returned so far.
func (r *Reader) Count() uint64 {
	return r.count
}

// Close closes the underlying file if the Reader was created by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Summary describes a file without holding on to its traces.
type Summary struct {
	Header   Header
	Traces   uint64
	First    time.Time
	Last     time.Time
	Complete bool
}

// Summarize reads every trace of path.
func Summarize(path string) (Summary, error) {
	r, err := Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer r.Close()
	s := Summary{Header: r.Header()}
	for {
		t, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s, err
		}
		if s.Traces == 0 {
			s.First = t.Time
		}
		s.Last = t.Time
		s.Traces++
	}
	s.Complete = r.Complete()
	return s, nil
}
