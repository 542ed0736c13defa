// Package trace records decoded frames over time and renders channel
// traces and link-health plots for offline analysis of a capture or a
// live run.
package trace

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sbuslink/internal/sbus"
)

// FrameSample is one recorded frame with its arrival bookkeeping.
type FrameSample struct {
	FrameIdx  int
	Timestamp time.Time
	Channels  [sbus.NumChannels]uint16
	FrameLost bool
	Failsafe  bool
}

// ChannelPlotter records frames as they arrive and renders PNG time
// series after a run: channel values in two groups of eight, flag
// activity, and inter-frame spacing.
type ChannelPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	labels    []string

	samples   []FrameSample
	startTime time.Time
	frameIdx  int
}

// NewChannelPlotter creates a plotter. labels may be nil or shorter
// than 16 entries; missing labels fall back to ch1..ch16.
func NewChannelPlotter(labels []string) *ChannelPlotter {
	return &ChannelPlotter{
		labels: labels,
	}
}

// Start initializes the plotter for a new run.
// outputDir should be a timestamped directory (e.g., "plots/flight-003/20260825_141502")
func (cp *ChannelPlotter) Start(outputDir string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	cp.outputDir = outputDir
	cp.enabled = true
	cp.startTime = time.Time{}
	cp.frameIdx = 0
	cp.samples = nil
	return nil
}

// Stop disables sampling. Call GeneratePlots() to produce output files.
func (cp *ChannelPlotter) Stop() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.enabled = false
}

// IsEnabled returns true if the plotter is currently recording.
func (cp *ChannelPlotter) IsEnabled() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.enabled
}

// Sample records one frame stamped with the current time. Call this once
// per decoded frame during live processing.
func (cp *ChannelPlotter) Sample(p sbus.Packet) {
	cp.SampleAt(p, time.Now())
}

// SampleAt records one frame with an explicit timestamp, for offline
// replay where arrival times come from the capture rather than the clock.
func (cp *ChannelPlotter) SampleAt(p sbus.Packet, at time.Time) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if !cp.enabled {
		return
	}

	if cp.startTime.IsZero() {
		cp.startTime = at
	}
	cp.frameIdx++

	cp.samples = append(cp.samples, FrameSample{
		FrameIdx:  cp.frameIdx,
		Timestamp: at,
		Channels:  p.Channels,
		FrameLost: p.Flags.FrameLost,
		Failsafe:  p.Flags.Failsafe,
	})
}

// HandleFrame adapts the plotter to the listener's frame handler so a
// plotter can sit directly on a UDP tap.
func (cp *ChannelPlotter) HandleFrame(p sbus.Packet) {
	cp.Sample(p)
}

// GetOutputDir returns the current output directory for plots.
func (cp *ChannelPlotter) GetOutputDir() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.outputDir
}

// GetSampleCount returns the total number of frames recorded.
func (cp *ChannelPlotter) GetSampleCount() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.samples)
}

// Samples returns a copy of the recorded frames in arrival order.
func (cp *ChannelPlotter) Samples() []FrameSample {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := make([]FrameSample, len(cp.samples))
	copy(out, cp.samples)
	return out
}

// GeneratePlots creates PNG files from the recorded frames.
// Returns the number of plots generated and any error.
func (cp *ChannelPlotter) GeneratePlots() (int, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}

	if len(cp.samples) == 0 {
		return 0, nil
	}

	plotCount := 0

	// Channel traces in two groups of eight so the legends stay readable
	for group := 0; group < 2; group++ {
		lo := group * 8
		hi := lo + 8
		file := filepath.Join(cp.outputDir, fmt.Sprintf("channels_%02d-%02d.png", lo+1, hi))
		if err := cp.generateChannelPlot(lo, hi, file); err != nil {
			return plotCount, fmt.Errorf("channels %d-%d: %w", lo+1, hi, err)
		}
		plotCount++
	}

	if err := cp.generateFlagsPlot(filepath.Join(cp.outputDir, "frame_flags.png")); err != nil {
		return plotCount, fmt.Errorf("flags: %w", err)
	}
	plotCount++

	if len(cp.samples) >= 2 {
		if err := cp.generateGapPlot(filepath.Join(cp.outputDir, "frame_gaps.png")); err != nil {
			return plotCount, fmt.Errorf("gaps: %w", err)
		}
		plotCount++
	}

	return plotCount, nil
}

// generateChannelPlot renders one trace line per channel in [lo, hi).
func (cp *ChannelPlotter) generateChannelPlot(lo, hi int, file string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Channels %d-%d", lo+1, hi)
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Raw Value"

	colors := generateColors(hi - lo)

	for ch := lo; ch < hi; ch++ {
		pts := make(plotter.XYs, 0, len(cp.samples))
		for _, s := range cp.samples {
			pts = append(pts, plotter.XY{X: float64(s.FrameIdx), Y: float64(s.Channels[ch])})
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[ch-lo]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(channelLabel(cp.labels, ch), line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save channel plot: %w", err)
	}
	return nil
}

// generateFlagsPlot renders frame-lost and failsafe activity as 0/1 steps.
func (cp *ChannelPlotter) generateFlagsPlot(file string) error {
	p := plot.New()
	p.Title.Text = "Frame Flags"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Active"
	p.Y.Min = -0.1
	p.Y.Max = 1.1

	lostPts := make(plotter.XYs, 0, len(cp.samples))
	failsafePts := make(plotter.XYs, 0, len(cp.samples))
	for _, s := range cp.samples {
		lostPts = append(lostPts, plotter.XY{X: float64(s.FrameIdx), Y: boolToY(s.FrameLost)})
		failsafePts = append(failsafePts, plotter.XY{X: float64(s.FrameIdx), Y: boolToY(s.Failsafe)})
	}

	lostLine, err := plotter.NewLine(lostPts)
	if err != nil {
		return err
	}
	lostLine.Color = color.RGBA{R: 230, G: 159, B: 0, A: 255}
	lostLine.Width = vg.Points(1)
	p.Add(lostLine)
	p.Legend.Add("frame_lost", lostLine)

	failsafeLine, err := plotter.NewLine(failsafePts)
	if err != nil {
		return err
	}
	failsafeLine.Color = color.RGBA{R: 213, G: 94, B: 0, A: 255}
	failsafeLine.Width = vg.Points(1)
	p.Add(failsafeLine)
	p.Legend.Add("failsafe", failsafeLine)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(14*vg.Inch, 4*vg.Inch, file); err != nil {
		return fmt.Errorf("save flags plot: %w", err)
	}
	return nil
}

// generateGapPlot renders inter-frame spacing in milliseconds. A steady
// link sits on a flat line at the frame period; spikes mark stalls.
func (cp *ChannelPlotter) generateGapPlot(file string) error {
	p := plot.New()
	p.Title.Text = "Inter-Frame Spacing"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Gap (ms)"

	pts := make(plotter.XYs, 0, len(cp.samples)-1)
	for i := 1; i < len(cp.samples); i++ {
		gap := cp.samples[i].Timestamp.Sub(cp.samples[i-1].Timestamp)
		pts = append(pts, plotter.XY{X: float64(cp.samples[i].FrameIdx), Y: float64(gap.Microseconds()) / 1000.0})
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 0, G: 114, B: 178, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)

	if err := p.Save(14*vg.Inch, 4*vg.Inch, file); err != nil {
		return fmt.Errorf("save gap plot: %w", err)
	}
	return nil
}

func boolToY(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// channelLabel returns the configured label for a zero-based channel
// index, falling back to ch1..ch16.
func channelLabel(labels []string, ch int) string {
	if ch < len(labels) && labels[ch] != "" {
		return labels[ch]
	}
	return fmt.Sprintf("ch%d", ch+1)
}

// generateColors creates a palette of distinct colors for trace lines
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

// FormatTimestamp generates a timestamp string for directory naming.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// MakePlotOutputDir creates a timestamped output directory path for plots.
// For capture files: plots/<capture_basename>/<timestamp>
// For live data: plots/live_<timestamp>
func MakePlotOutputDir(baseDir, captureFile string) string {
	ts := FormatTimestamp(time.Now())
	if captureFile != "" {
		// Use capture basename without extension
		base := filepath.Base(captureFile)
		ext := filepath.Ext(base)
		name := base[:len(base)-len(ext)]
		return filepath.Join(baseDir, name, ts)
	}
	return filepath.Join(baseDir, "live_"+ts)
}
