// Package telemetry publishes a status line and the data of every stacked trace
// to a message bus, for a live display on the survey platform.
package telemetry

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/ghog"
)

const (
	StatusTopic = "radar"
	TraceTopic  = "trace"
)

// Publisher sends one message to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close() error
}

// Status formats the status message sent with every trace.
func Status(id string, ntrace uint64, prf, rate float64) string {
	return fmt.Sprintf("radar=%s,ntrace=%d,prf=%s,adc=%s", id, ntrace,
		strconv.FormatFloat(prf, 'f', -1, 64), strconv.FormatFloat(rate, 'f', -1, 64))
}

// TracePayload is the trace message: the word "trace" followed by the samples
// as little-endian int64.
func TracePayload(data []int64) []byte {
	b := make([]byte, 0, len(TraceTopic)+8*len(data))
	b = append(b, TraceTopic...)
	for _, v := range data {
		b = binary.LittleEndian.AppendUint64(b, uint64(v))
	}
	return b
}

// Reporter is a stack.Sink publishing every trace. Publish failures are logged
// and counted but never returned, so a flaky link cannot stop a recording.
type Reporter struct {
	pub    Publisher
	prefix string
	id     string
	prf    float64
	rate   float64

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewReporter publishes to <prefix>/radar and <prefix>/trace.
func NewReporter(pub Publisher, prefix, id string, prf, rate float64) *Reporter {
	return &Reporter{pub: pub, prefix: prefix, id: id, prf: prf, rate: rate}
}

func (r *Reporter) topic(name string) string {
	if r.prefix == "" {
		return name
	}
	return r.prefix + "/" + name
}

func (r *Reporter) Write(t ghog.Trace) error {
	n := r.sent.Load() + r.failed.Load() + 1
	status := Status(r.id, n, r.prf, r.rate)
	if err := r.pub.Publish(r.topic(StatusTopic), []byte(status)); err != nil {
		r.fail(n, err)
		return nil
	}
	if err := r.pub.Publish(r.topic(TraceTopic), TracePayload(t.Data)); err != nil {
		r.fail(n, err)
		return nil
	}
	r.sent.Add(1)
	glog.V(2).Infof("published trace %d", n)
	return nil
}

func (r *Reporter) fail(n uint64, err error) {
	if f := r.failed.Add(1); f == 1 || f%100 == 0 {
		glog.Warningf("unable to publish trace %d (%d failures so far): %s", n, f, err)
	}
}

// Counts returns the number of traces published and failed.
func (r *Reporter) Counts() (sent, failed uint64) {
	return r.sent.Load(), r.failed.Load()
}

func (r *Reporter) Close() error {
	sent, failed := r.Counts()
	glog.Infof("telemetry: %d traces published, %d failed", sent, failed)
	return r.pub.Close()
}
