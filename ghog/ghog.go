// Package ghog reads and writes groundhog trace files.
//
// Layout (little-endian):
//
//	u32 0xD0D0BEEF
//	u64 samples per trace, u64 pretrigger samples, u64 PRF, u64 stack count
//	i16 trigger threshold
//	f64 sample rate
//	u32 0xFEEDFACE
//	repeated: char[26] timestamp, i64[samples per trace] stacked trace
//	u32 0xDEADDEAD (written once when the file is closed)
package ghog

import (
	"errors"
	"fmt"
	"time"
)

const (
	MagicHeader  uint32 = 0xD0D0BEEF
	MagicData    uint32 = 0xFEEDFACE
	MagicTrailer uint32 = 0xDEADDEAD

	// TimestampLen is the length of the ASCII timestamp preceding each trace.
	TimestampLen = 26
	// TimestampLayout formats a time into exactly TimestampLen bytes.
	TimestampLayout = "2006-01-02T15:04:05.000000"

	// HeaderLen is the size of everything before the first trace, including
	// both magic numbers.
	HeaderLen = 4 + 4*8 + 2 + 8 + 4
	// TrailerLen is the size of the closing magic number.
	TrailerLen = 4

	// Extension is the file name extension of trace files.
	Extension = ".ghog"
)

var (
	ErrBadMagic     = errors.New("bad magic number")
	ErrTraceLength  = errors.New("trace length does not match header")
	ErrWriterClosed = errors.New("writer already closed")
)

// Header is the recording configuration stored at the start of a file.
type Header struct {
	SamplesPerTrace  uint64
	PretrigSamples   uint64
	PRF              uint64
	StackCount       uint64
	TriggerThreshold int16
	SampleRate       float64
}

// TraceLen returns the number of bytes one trace record occupies on disk.
func (h Header) TraceLen() int64 {
	return TimestampLen + 8*int64(h.SamplesPerTrace)
}

func (h Header) String() string {
	return fmt.Sprintf("spt=%d pretrig=%d prf=%dHz stack=%d trigger=%d rate=%gHz",
		h.SamplesPerTrace, h.PretrigSamples, h.PRF, h.StackCount, h.TriggerThreshold, h.SampleRate)
}

// Trace is one stacked record. Data is only valid for the duration of the call
// it is passed to; sinks that keep it must copy.
type Trace struct {
	Time time.Time
	Data []int64
}

// FormatTimestamp renders t in UTC as exactly TimestampLen bytes.
func FormatTimestamp(t time.Time) []byte {
	return []byte(t.UTC().Format(TimestampLayout))
}

// ParseTimestamp parses a stored timestamp as UTC.
func ParseTimestamp(b []byte) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, string(b), time.UTC)
}
