// ghoginfo prints what a groundhog trace file holds.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hb9tf/groundhog/export"
	"github.com/hb9tf/groundhog/ghog"
)

var (
	outputFormat string
	traceLimit   int
)

const timeFmt = "2006-01-02T15:04:05.000000Z07:00"

var rootCmd = &cobra.Command{
	Use:   "ghoginfo file.ghog [file.ghog...]",
	Short: "Display the contents of groundhog trace files",
	Long: `ghoginfo reads groundhog trace files and prints their recording header,
the number of complete traces, whether the file was closed cleanly and the
time span it covers.

With --traces the first traces are listed with their peak amplitude.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat != "text" && outputFormat != "json" {
			return fmt.Errorf("unknown output format %q (text, json)", outputFormat)
		}
		var errs []error
		for _, name := range args {
			if err := display(cmd.OutOrStdout(), name); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		return errors.Join(errs...)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "output format (text, json)")
	rootCmd.Flags().IntVarP(&traceLimit, "traces", "t", 0, "list this many traces with their peak amplitude")
}

type traceInfo struct {
	Index     uint64    `json:"index"`
	Time      time.Time `json:"time"`
	Peak      int64     `json:"peak"`
	PeakIndex int       `json:"peakIndex"`
}

type fileInfo struct {
	File     string      `json:"file"`
	Size     int64       `json:"size"`
	Header   ghog.Header `json:"header"`
	Traces   uint64      `json:"traces"`
	Complete bool        `json:"complete"`
	First    time.Time   `json:"first"`
	Last     time.Time   `json:"last"`
	Listed   []traceInfo `json:"listed,omitempty"`
}

func inspect(name string) (fileInfo, error) {
	st, err := os.Stat(name)
	if err != nil {
		return fileInfo{}, err
	}
	sum, err := ghog.Summarize(name)
	if err != nil {
		return fileInfo{}, err
	}
	info := fileInfo{
		File:     name,
		Size:     st.Size(),
		Header:   sum.Header,
		Traces:   sum.Traces,
		Complete: sum.Complete,
		First:    sum.First,
		Last:     sum.Last,
	}
	if traceLimit <= 0 {
		return info, nil
	}

	r, err := ghog.Open(name)
	if err != nil {
		return info, err
	}
	defer r.Close()
	for i := 1; i <= traceLimit; i++ {
		t, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return info, err
		}
		peak, idx := export.Peak(t.Data)
		info.Listed = append(info.Listed, traceInfo{Index: uint64(i), Time: t.Time, Peak: peak, PeakIndex: idx})
	}
	return info, nil
}

func display(w io.Writer, name string) error {
	info, err := inspect(name)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	h := info.Header
	fmt.Fprintf(w, "File:               %s (%d bytes)\n", info.File, info.Size)
	fmt.Fprintf(w, "Samples per trace:  %d\n", h.SamplesPerTrace)
	fmt.Fprintf(w, "Pretrig samples:    %d\n", h.PretrigSamples)
	fmt.Fprintf(w, "PRF:                %d Hz\n", h.PRF)
	fmt.Fprintf(w, "Stack:              %d\n", h.StackCount)
	fmt.Fprintf(w, "Trigger threshold:  %d\n", h.TriggerThreshold)
	fmt.Fprintf(w, "Sample rate:        %g Hz\n", h.SampleRate)
	fmt.Fprintf(w, "Traces:             %d\n", info.Traces)
	fmt.Fprintf(w, "Trailer:            %t\n", info.Complete)
	if info.Traces > 0 {
		fmt.Fprintf(w, "First trace:        %s\n", info.First.Format(timeFmt))
		fmt.Fprintf(w, "Last trace:         %s\n", info.Last.Format(timeFmt))
		fmt.Fprintf(w, "Duration:           %s\n", info.Last.Sub(info.First))
	}
	for _, t := range info.Listed {
		fmt.Fprintf(w, "  #%-6d %s peak=%d at %d\n", t.Index, t.Time.Format(timeFmt), t.Peak, t.PeakIndex)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
