// Package uhd receives from an Ettus USRP through the UHD example tool
// rx_samples_to_file, which also takes care of clock source, subdevice and
// tuning. The tool writes sc16 samples to a pipe that feeds a stream.Radio.
package uhd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/stream"
)

const (
	SourceName = "uhd"
	toolAlias  = "rx_samples_to_file"
)

// Options configure the radio front end.
type Options struct {
	Args       string  // device address, e.g. "type=b200"
	SampleRate float64 // samples per second
	Freq       float64 // center frequency in Hz
	Gain       float64 // dB
	Subdev     string  // e.g. "A:A"
	Ref        string  // clock reference: internal, external, gpsdo
	Antenna    string
	// Tool overrides the path of rx_samples_to_file.
	Tool string
}

func (o Options) args() []string {
	args := []string{
		"--file", "/dev/fd/3",
		"--type", "short",
		"--nsamps", "0",
		"--rate", strconv.FormatFloat(o.SampleRate, 'f', -1, 64),
		"--freq", strconv.FormatFloat(o.Freq, 'f', -1, 64),
		"--gain", strconv.FormatFloat(o.Gain, 'f', -1, 64),
		"--continue",
	}
	if o.Args != "" {
		args = append(args, "--args", o.Args)
	}
	if o.Subdev != "" {
		args = append(args, "--subdev", o.Subdev)
	}
	if o.Ref != "" {
		args = append(args, "--ref", o.Ref)
	}
	if o.Antenna != "" {
		args = append(args, "--ant", o.Antenna)
	}
	return args
}

// process is one running instance of the tool.
type process struct {
	cmd  *exec.Cmd
	out  *os.File
	once sync.Once
	err  error
	done chan struct{}
}

func (p *process) Read(b []byte) (int, error) {
	return p.out.Read(b)
}

// Close stops the tool and waits for it to exit.
func (p *process) Close() error {
	p.once.Do(func() {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.err = err
		}
		<-p.done
		if err := p.out.Close(); err != nil && p.err == nil {
			p.err = err
		}
	})
	return p.err
}

func start(opts Options) (io.ReadCloser, error) {
	tool := opts.Tool
	if tool == "" {
		tool = toolAlias
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(tool, opts.args()...)
	// The tool writes samples to fd 3 and chats on stdout.
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stderr = os.Stderr

	glog.Infof("Running UHD receiver: %q", cmd)
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("unable to start %s: %w", tool, err)
	}
	// Only the child holds the write end now, so its exit ends our reads.
	w.Close()

	p := &process{cmd: cmd, out: r, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		if err := cmd.Wait(); err != nil {
			glog.Warningf("%s ended with error: %s", tool, err)
		} else {
			glog.Infof("%s ended", tool)
		}
	}()
	return p, nil
}

// New starts the tool and returns a radio reading its output. Recreating the
// stream restarts the tool; its exit is reported as an invalidated stream.
func New(opts Options) (*stream.Radio, error) {
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %g", opts.SampleRate)
	}
	return stream.New(stream.Config{
		Name:           SourceName,
		SampleRate:     opts.SampleRate,
		DropOnFull:     true,
		EOFInvalidates: true,
	}, func() (io.ReadCloser, error) { return start(opts) })
}
