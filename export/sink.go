package export

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/ghog"
)

const sinkBuffer = 1000

// Sink turns traces into records for an Exporter running on its own goroutine,
// so a slow database never holds up the stacker. Records that do not fit the
// buffer are dropped.
type Sink struct {
	id    string
	file  string
	prf   float64
	stack int

	records chan Record
	done    chan error
	n       uint64
	dropped uint64
}

// NewSink starts exp. File names the trace file the records belong to.
func NewSink(ctx context.Context, exp Exporter, id, file string, prf float64, stack int) *Sink {
	s := &Sink{
		id:      id,
		file:    file,
		prf:     prf,
		stack:   stack,
		records: make(chan Record, sinkBuffer),
		done:    make(chan error, 1),
	}
	go func() {
		s.done <- exp.Write(ctx, s.records)
	}()
	return s
}

func (s *Sink) Write(t ghog.Trace) error {
	s.n++
	select {
	case s.records <- NewRecord(s.id, s.file, s.n, s.prf, s.stack, t):
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			glog.Warningf("exporter falling behind, %d records dropped", s.dropped)
		}
	}
	return nil
}

// Close waits for the exporter to finish the queued records.
func (s *Sink) Close() error {
	close(s.records)
	if err := <-s.done; err != nil {
		return fmt.Errorf("exporter failed: %w", err)
	}
	return nil
}
