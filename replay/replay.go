// Package replay plays back a raw sc16 capture file as a radio, for
// reprocessing recordings and for testing the pipeline on real data.
package replay

import (
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/stream"
)

const SourceName = "replay"

// Open returns a radio reading path from the start. The end of the file ends
// the recording.
func Open(path string, sampleRate float64) (*stream.Radio, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size()%stream.BytesPerSample != 0 {
		glog.Warningf("%s: size %d is not a whole number of samples, ignoring the tail", path, fi.Size())
	}
	n := fi.Size() / stream.BytesPerSample
	glog.Infof("replaying %d samples (%.3fs) from %s", n, float64(n)/sampleRate, path)

	open := func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("unable to open capture file: %w", err)
		}
		return f, nil
	}
	return stream.New(stream.Config{
		Name:       fmt.Sprintf("%s(%s)", SourceName, path),
		SampleRate: sampleRate,
	}, open)
}
