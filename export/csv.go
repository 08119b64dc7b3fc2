package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/golang/glog"
)

// CSV writes one line per record, to stdout unless W is set.
type CSV struct {
	W io.Writer
}

func (c *CSV) Write(ctx context.Context, records <-chan Record) error {
	out := c.W
	if out == nil {
		out = os.Stdout
	}
	w := csv.NewWriter(out)
	w.Write([]string{
		"Identifier",
		"File",
		"Trace",
		"TimeUnixMicro",
		"PRF",
		"Stack",
		"Peak",
		"PeakIndex",
	})

	for r := range records {
		if err := w.Write([]string{
			r.Identifier,
			r.File,
			fmt.Sprintf("%d", r.Trace),
			fmt.Sprintf("%d", r.Time.UnixMicro()),
			strconv.FormatFloat(r.PRF, 'f', -1, 64),
			fmt.Sprintf("%d", r.Stack),
			fmt.Sprintf("%d", r.Peak),
			fmt.Sprintf("%d", r.PeakIndex),
		}); err != nil {
			glog.Warningf("error while writing CSV line: %s", err)
		}

		w.Flush()
		if err := w.Error(); err != nil {
			glog.Warningf("error flushing CSV: %s", err)
		}
	}
	w.Flush()
	return w.Error()
}
