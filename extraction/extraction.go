// Package extraction renders groundhog trace files as radargram images: one
// column per trace, two-way travel time downwards.
package extraction

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"math"
	"slices"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hb9tf/groundhog/ghog"
)

var (
	// Colors defining the gradient of the radargram. The higher the index, the
	// larger the amplitude.
	colors = []color.RGBA{
		{0, 0, 0, 255},       // black
		{0, 0, 255, 255},     // blue
		{0, 255, 255, 255},   // cyan
		{0, 255, 0, 255},     // green
		{255, 255, 0, 255},   // yellow
		{255, 0, 0, 255},     // red
		{255, 255, 255, 255}, // white
	}

	gridColor           = color.RGBA{0, 0, 0, 255}       // black
	gridBackgroundColor = color.RGBA{255, 255, 255, 255} // white

	ErrNoTraces = errors.New("file holds no traces")
)

const (
	timeFmt        = "15:04:05"
	gridMarginTop  = 20  // pixels
	gridMarginLeft = 150 // pixels
	gridTickLen    = 10  // pixel
	gridMinStepX   = 100 // pixels
	gridMinStepY   = 20  // pixels

	DefaultPClip = 1
)

// GetColor interpolates the gradient at lvl.
// http://www.andrewnoske.com/wiki/Code_-_heatmaps_and_color_gradients
func GetColor(lvl uint16) color.RGBA {
	pos := float64(lvl) / math.MaxUint16 * float64(len(colors)-1)
	i := int(pos)
	if i >= len(colors)-1 {
		return colors[len(colors)-1]
	}
	fract := pos - float64(i)
	a, b := colors[i], colors[i+1]
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*fract))
	}
	return color.RGBA{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B), 255}
}

func drawTick(canvas *image.RGBA, start image.Point, length int, horizontal bool) {
	for i := 0; i <= length; i++ {
		if horizontal {
			canvas.SetRGBA(start.X+i, start.Y, gridColor)
		} else {
			canvas.SetRGBA(start.X, start.Y+i, gridColor)
		}
	}
}

func findGridStepSize(step int, horizontal bool) int {
	gridMinStep := gridMinStepY
	if horizontal {
		gridMinStep = gridMinStepX
	}
	for step > gridMinStep {
		n := step / 2
		if n < gridMinStep {
			return step
		}
		step = n
	}
	return step
}

func label(canvas *image.RGBA, x, y int, s string) {
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(gridColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(s)
}

// Axes labels the ticks of a radargram.
type Axes struct {
	// Column returns the label of image column x.
	Column func(x int) string
	// Row returns the label of image row y.
	Row func(y int) string
}

// DrawGrid enlarges source by a margin holding ticks and their labels.
func DrawGrid(source *image.RGBA, axes Axes) *image.RGBA {
	sb := source.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, sb.Dx()+gridMarginLeft, sb.Dy()+gridMarginTop))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{gridBackgroundColor}, image.Point{}, draw.Src)
	r := canvas.Bounds()
	r.Min.X += gridMarginLeft
	r.Min.Y += gridMarginTop
	draw.Draw(canvas, r, source, sb.Min, draw.Src)

	xStep := findGridStepSize(sb.Dx(), true)
	for i := 0; i < sb.Dx(); i += xStep {
		drawTick(canvas, image.Point{gridMarginLeft + i, gridMarginTop - gridTickLen}, gridTickLen, false)
		label(canvas, gridMarginLeft+i+5, gridMarginTop-2, axes.Column(i))
	}
	yStep := findGridStepSize(sb.Dy(), false)
	for i := 0; i < sb.Dy(); i += yStep {
		drawTick(canvas, image.Point{gridMarginLeft - gridTickLen, gridMarginTop + i}, gridTickLen, true)
		label(canvas, 5, gridMarginTop+i+5, axes.Row(i))
	}
	return canvas
}

type Options struct {
	// Width caps the number of columns; neighbouring traces are averaged into
	// one column when the file holds more. Zero keeps one column per trace.
	Width int
	// TPow applies a |t|^TPow gain to compensate spreading losses.
	TPow float64
	// PClip clips this percentage of the amplitudes at either end of the
	// colour scale, between 0 and 50.
	PClip float64
	// AddGrid adds labelled axes.
	AddGrid bool
}

// Result is the rendered image plus what it shows.
type Result struct {
	Image   image.Image
	Header  ghog.Header
	Traces  int
	Columns int
	// TracesPerColumn is the number of traces averaged into each column.
	TracesPerColumn int
	Start           time.Time
	End             time.Time
	// Low and High are the amplitudes mapped to the ends of the colour scale.
	Low  float64
	High float64
}

// Radargram renders every trace r yields.
func Radargram(r *ghog.Reader, opts Options) (*Result, error) {
	if opts.PClip < 0 || opts.PClip >= 50 {
		return nil, fmt.Errorf("clip percentage %g outside [0, 50)", opts.PClip)
	}
	h := r.Header()
	spt := int(h.SamplesPerTrace)

	var (
		traces     [][]float64
		start, end time.Time
	)
	for {
		t, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(traces) == 0 {
			start = t.Time
		}
		end = t.Time
		col := make([]float64, spt)
		for i, v := range t.Data {
			col[i] = float64(v)
		}
		traces = append(traces, col)
	}
	if len(traces) == 0 {
		return nil, ErrNoTraces
	}

	per := 1
	if opts.Width > 0 && len(traces) > opts.Width {
		per = (len(traces) + opts.Width - 1) / opts.Width
	}
	cols := bin(traces, per)
	applyGain(cols, gain(h, opts.TPow))
	low, high := clipRange(cols, opts.PClip)

	canvas := image.NewRGBA(image.Rect(0, 0, len(cols), spt))
	span := high - low
	for x, col := range cols {
		for y, v := range col {
			lvl := 0.5
			if span > 0 {
				lvl = (v - low) / span
			}
			lvl = math.Max(0, math.Min(1, lvl))
			canvas.SetRGBA(x, y, GetColor(uint16(lvl*math.MaxUint16)))
		}
	}

	if opts.AddGrid {
		us := 1e6 / h.SampleRate
		canvas = DrawGrid(canvas, Axes{
			Column: func(x int) string {
				return fmt.Sprintf("#%d", x*per)
			},
			Row: func(y int) string {
				return fmt.Sprintf("%.2f us", float64(y-int(h.PretrigSamples))*us)
			},
		})
	}
	return &Result{
		Image:           canvas,
		Header:          h,
		Traces:          len(traces),
		Columns:         len(cols),
		TracesPerColumn: per,
		Start:           start,
		End:             end,
		Low:             low,
		High:            high,
	}, nil
}

// bin averages groups of per consecutive traces.
func bin(traces [][]float64, per int) [][]float64 {
	if per <= 1 {
		return traces
	}
	var out [][]float64
	for i := 0; i < len(traces); i += per {
		group := traces[i:min(i+per, len(traces))]
		col := make([]float64, len(group[0]))
		for _, t := range group {
			for j, v := range t {
				col[j] += v
			}
		}
		for j := range col {
			col[j] /= float64(len(group))
		}
		out = append(out, col)
	}
	return out
}

// gain returns the |t|^tpow gain per sample, t counted from the trigger and
// normalized to a maximum of one.
func gain(h ghog.Header, tpow float64) []float64 {
	g := make([]float64, h.SamplesPerTrace)
	if tpow == 0 {
		for i := range g {
			g[i] = 1
		}
		return g
	}
	peak := 0.0
	for i := range g {
		t := math.Abs(float64(i)-float64(h.PretrigSamples)) / h.SampleRate
		g[i] = math.Pow(t, tpow)
		peak = math.Max(peak, g[i])
	}
	if peak > 0 {
		for i := range g {
			g[i] /= peak
		}
	}
	return g
}

func applyGain(cols [][]float64, g []float64) {
	for _, col := range cols {
		for i := range col {
			col[i] *= g[i]
		}
	}
}

// clipRange returns the pclip and 100-pclip percentiles of all values.
func clipRange(cols [][]float64, pclip float64) (float64, float64) {
	all := make([]float64, 0, len(cols)*len(cols[0]))
	for _, col := range cols {
		all = append(all, col...)
	}
	slices.Sort(all)
	at := func(p float64) float64 {
		i := int(math.Round(p / 100 * float64(len(all)-1)))
		return all[i]
	}
	return at(pclip), at(100 - pclip)
}
