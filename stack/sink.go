package stack

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/ghog"
)

// Sink receives every emitted trace. Trace data is reused after Write returns.
type Sink interface {
	Write(ghog.Trace) error
	Close() error
}

type tee struct {
	primary     Sink
	secondaries []Sink
}

// Tee writes to primary and then to every secondary sink. A primary failure is
// returned to the stacker; secondary failures are only logged.
func Tee(primary Sink, secondaries ...Sink) Sink {
	if len(secondaries) == 0 {
		return primary
	}
	return &tee{primary: primary, secondaries: secondaries}
}

func (t *tee) Write(tr ghog.Trace) error {
	if err := t.primary.Write(tr); err != nil {
		return err
	}
	for _, s := range t.secondaries {
		if err := s.Write(tr); err != nil {
			glog.Warningf("secondary sink %T: %s", s, err)
		}
	}
	return nil
}

func (t *tee) Close() error {
	for _, s := range t.secondaries {
		if err := s.Close(); err != nil {
			glog.Warningf("unable to close secondary sink %T: %s", s, err)
		}
	}
	if err := t.primary.Close(); err != nil {
		return fmt.Errorf("unable to close primary sink: %w", err)
	}
	return nil
}
