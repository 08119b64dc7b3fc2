package main

/*
This application renders a radargram of a trace file recorded with groundhog:
one column per trace (or per group of averaged traces), two-way travel time
downwards.
*/

import (
	"flag"
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	"github.com/golang/glog"

	"github.com/hb9tf/groundhog/extraction"
	"github.com/hb9tf/groundhog/ghog"
)

// Flags
var (
	file     = flag.String("file", "", "Trace file to render.")
	imgPath  = flag.String("imgPath", "/tmp/out.png", "Path where the rendered image should be written to (.png or .jpg).")
	imgWidth = flag.Int("imgWidth", 0, "Maximum width of the radargram in pixels; neighbouring traces are averaged to fit (0 = one column per trace).")
	tpow     = flag.Float64("tpow", 0, "Apply a |t|^tpow gain to compensate spreading losses.")
	pclip    = flag.Float64("pclip", extraction.DefaultPClip, "Percentage of amplitudes clipped at either end of the colour scale.")
	addGrid  = flag.Bool("grid", true, "Draw labelled axes around the radargram.")
)

const timeFmt = "2006-01-02T15:04:05"

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	if *file == "" {
		glog.Exit("-file is required")
	}
	r, err := ghog.Open(*file)
	if err != nil {
		glog.Exit(err)
	}
	defer r.Close()

	res, err := extraction.Radargram(r, extraction.Options{
		Width:   *imgWidth,
		TPow:    *tpow,
		PClip:   *pclip,
		AddGrid: *addGrid,
	})
	if err != nil {
		glog.Exitf("unable to render %q: %s", *file, err)
	}
	if !r.Complete() {
		glog.Warningf("%s has no trailer, the recording was interrupted", *file)
	}

	fmt.Println("Selected file metadata:")
	fmt.Printf("  - Header: %s\n", res.Header)
	fmt.Printf("  - Traces: %d (%d per column)\n", res.Traces, res.TracesPerColumn)
	fmt.Printf("  - Start time: %s (%d)\n", res.Start.Format(timeFmt), res.Start.Unix())
	fmt.Printf("  - End time: %s (%d)\n", res.End.Format(timeFmt), res.End.Unix())
	fmt.Printf("  - Duration: %s\n", res.End.Sub(res.Start))
	fmt.Printf("  - Colour scale: %g to %g\n", res.Low, res.High)
	b := res.Image.Bounds()
	fmt.Printf("Writing image (%d x %d) to %q\n", b.Dx(), b.Dy(), *imgPath)

	f, err := os.Create(*imgPath)
	if err != nil {
		glog.Exit(err)
	}
	switch {
	case strings.HasSuffix(*imgPath, ".png"):
		err = png.Encode(f, res.Image)
	case strings.HasSuffix(*imgPath, ".jpg"):
		err = jpeg.Encode(f, res.Image, &jpeg.Options{Quality: jpeg.DefaultQuality})
	default:
		err = fmt.Errorf("unsupported image type %q, use .png or .jpg", *imgPath)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		glog.Exitf("unable to write image: %s", err)
	}
}
