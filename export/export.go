// Package export catalogs recorded traces: one record per stacked trace, written
// to CSV, an SQL database or a remote groundhog server.
package export

import (
	"context"
	"time"

	"github.com/hb9tf/groundhog/ghog"
)

// Record describes one trace without its samples.
type Record struct {
	Identifier string    `json:"identifier"`
	File       string    `json:"file"`
	Trace      uint64    `json:"trace"`
	Time       time.Time `json:"time"`
	PRF        float64   `json:"prf"`
	Stack      int       `json:"stack"`
	// Peak is the largest absolute amplitude in the trace, at PeakIndex.
	Peak      int64 `json:"peak"`
	PeakIndex int   `json:"peakIndex"`
}

// Exporter consumes records until the channel is closed.
type Exporter interface {
	Write(context.Context, <-chan Record) error
}

// Peak returns the largest absolute value in data and its index.
func Peak(data []int64) (int64, int) {
	var peak int64
	idx := 0
	for i, v := range data {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak, idx = v, i
		}
	}
	return peak, idx
}

// NewRecord describes trace n of a recording.
func NewRecord(id, file string, n uint64, prf float64, stack int, t ghog.Trace) Record {
	peak, idx := Peak(t.Data)
	return Record{
		Identifier: id,
		File:       file,
		Trace:      n,
		Time:       t.Time,
		PRF:        prf,
		Stack:      stack,
		Peak:       peak,
		PeakIndex:  idx,
	}
}
