// Package filter selects which catalog records are passed on to an exporter.
package filter

import (
	"context"
	"time"

	"github.com/hb9tf/groundhog/export"
)

type Filterer interface {
	ShouldIgnore(*export.Record) bool
}

// Filter copies records from input to output, dropping those any filter
// ignores. It closes output once input is closed.
func Filter(input <-chan export.Record, output chan<- export.Record, filters []Filterer) error {
	defer close(output)
	for r := range input {
		if ignored(&r, filters) {
			continue
		}
		output <- r
	}
	return nil
}

func ignored(r *export.Record, filters []Filterer) bool {
	for _, f := range filters {
		if f.ShouldIgnore(r) {
			return true
		}
	}
	return false
}

// FilterIdentifier keeps records of the listed radars only.
type FilterIdentifier struct {
	Identifiers []string
}

func (f *FilterIdentifier) ShouldIgnore(r *export.Record) bool {
	for _, id := range f.Identifiers {
		if r.Identifier == id {
			return false
		}
	}
	return true
}

// FilterPeak drops traces whose peak amplitude is below Min, such as those
// recorded while the transmitter was off.
type FilterPeak struct {
	Min int64
}

func (f *FilterPeak) ShouldIgnore(r *export.Record) bool {
	return r.Peak < f.Min
}

// FilterTime drops records outside [Start, End]. A zero bound is open.
type FilterTime struct {
	Start time.Time
	End   time.Time
}

func (f *FilterTime) ShouldIgnore(r *export.Record) bool {
	if !f.Start.IsZero() && r.Time.Before(f.Start) {
		return true
	}
	if !f.End.IsZero() && r.Time.After(f.End) {
		return true
	}
	return false
}

type filtered struct {
	exp     export.Exporter
	filters []Filterer
}

// Wrap returns an Exporter that passes only the records no filter ignores on
// to exp.
func Wrap(exp export.Exporter, filters ...Filterer) export.Exporter {
	if len(filters) == 0 {
		return exp
	}
	return &filtered{exp: exp, filters: filters}
}

func (f *filtered) Write(ctx context.Context, records <-chan export.Record) error {
	out := make(chan export.Record, cap(records))
	go Filter(records, out, f.filters)
	err := f.exp.Write(ctx, out)
	// Let Filter finish if the exporter gave up early.
	for range out {
	}
	return err
}
