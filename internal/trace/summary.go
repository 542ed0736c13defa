package trace

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sbuslink/internal/sbus"
)

// ChannelStats summarises one channel's raw values over a recording.
type ChannelStats struct {
	Channel int     `json:"channel"` // 1-based
	Label   string  `json:"label"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// GapStats summarises inter-frame spacing in milliseconds. P95 against
// the nominal frame period is the quickest read on link health: a clean
// analog-rate stream holds P95 within a millisecond or two of 14ms.
type GapStats struct {
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// Summary is the statistical digest of a recording.
type Summary struct {
	Frames          int            `json:"frames"`
	Duration        time.Duration  `json:"duration_ns"`
	FrameLostFrames int            `json:"frame_lost_frames"`
	FailsafeFrames  int            `json:"failsafe_frames"`
	Channels        []ChannelStats `json:"channels"`
	Gaps            *GapStats      `json:"gaps,omitempty"`
}

// Summarize computes per-channel and link-health statistics over the
// recorded frames. labels may be nil; missing labels fall back to
// ch1..ch16. Gaps is nil when fewer than two frames were recorded.
func Summarize(samples []FrameSample, labels []string) Summary {
	s := Summary{}
	if len(samples) == 0 {
		return s
	}

	s.Frames = len(samples)
	s.Duration = samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp)

	for _, sample := range samples {
		if sample.FrameLost {
			s.FrameLostFrames++
		}
		if sample.Failsafe {
			s.FailsafeFrames++
		}
	}

	values := make([]float64, len(samples))
	for ch := 0; ch < sbus.NumChannels; ch++ {
		for i, sample := range samples {
			values[i] = float64(sample.Channels[ch])
		}

		cs := ChannelStats{
			Channel: ch + 1,
			Label:   channelLabel(labels, ch),
			Mean:    stat.Mean(values, nil),
			Min:     floats.Min(values),
			Max:     floats.Max(values),
		}
		// Sample standard deviation needs at least two observations
		if len(values) >= 2 {
			cs.StdDev = stat.StdDev(values, nil)
		}
		s.Channels = append(s.Channels, cs)
	}

	if len(samples) >= 2 {
		gaps := make([]float64, 0, len(samples)-1)
		for i := 1; i < len(samples); i++ {
			gap := samples[i].Timestamp.Sub(samples[i-1].Timestamp)
			gaps = append(gaps, float64(gap.Microseconds())/1000.0)
		}
		sort.Float64s(gaps)

		s.Gaps = &GapStats{
			MeanMs: stat.Mean(gaps, nil),
			P50Ms:  stat.Quantile(0.5, stat.Empirical, gaps, nil),
			P95Ms:  stat.Quantile(0.95, stat.Empirical, gaps, nil),
			MaxMs:  gaps[len(gaps)-1],
		}
	}

	return s
}

// Summarize computes statistics over the frames recorded so far.
func (cp *ChannelPlotter) Summarize() Summary {
	return Summarize(cp.Samples(), cp.labels)
}

// String renders the summary as an aligned text report.
func (s Summary) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Frames: %d in %v", s.Frames, s.Duration.Round(time.Millisecond))
	if s.FrameLostFrames > 0 || s.FailsafeFrames > 0 {
		fmt.Fprintf(&b, " (frame_lost: %d, failsafe: %d)", s.FrameLostFrames, s.FailsafeFrames)
	}
	b.WriteString("\n")

	if s.Gaps != nil {
		fmt.Fprintf(&b, "Frame spacing (ms): mean=%.2f p50=%.2f p95=%.2f max=%.2f\n",
			s.Gaps.MeanMs, s.Gaps.P50Ms, s.Gaps.P95Ms, s.Gaps.MaxMs)
	}

	for _, cs := range s.Channels {
		fmt.Fprintf(&b, "%-12s mean=%7.1f stddev=%6.1f min=%4.0f max=%4.0f\n",
			cs.Label, cs.Mean, cs.StdDev, cs.Min, cs.Max)
	}

	return b.String()
}
