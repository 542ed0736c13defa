package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/sbuslink/internal/units"
)

// echartsAssetsPrefix points chart pages at the hosted copy of the echarts
// runtime. Serving the assets locally would require embedding them.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// chartChannels renders a line chart (HTML) of recent channel values using
// go-echarts. This is a debugging-only endpoint (no auth) for eyeballing stick
// movement and channel noise without a frontend.
// Query params:
//   - session (optional; defaults to the active session)
//   - limit (optional; default 300, max 2000) frames to plot
//   - channels (optional; default 8, max 16) how many channels to plot
func (s *Server) chartChannels(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.resolveSession(r)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to resolve session: %v", err))
		return
	}
	if sessionID == "" {
		s.writeJSONError(w, http.StatusNotFound, "no active session")
		return
	}

	limit := 300
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 2000 {
			limit = v
		}
	}
	channelCount := 8
	if c := r.URL.Query().Get("channels"); c != "" {
		if v, err := strconv.Atoi(c); err == nil && v > 0 && v <= 16 {
			channelCount = v
		}
	}

	frames, err := s.db.RecentFrames(sessionID, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get frames: %v", err))
		return
	}
	if len(frames) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no frames recorded for session")
		return
	}

	// RecentFrames returns newest first; plot oldest to newest
	xs := make([]string, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		xs = append(xs, time.UnixMilli(frames[i].RecordedAt).Format("15:04:05.000"))
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "SBUS Channels", Theme: "dark", Width: "1400px", Height: "700px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Channel Trace", Subtitle: fmt.Sprintf("session=%s frames=%d units=%s", sessionID, len(frames), s.units)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: s.units}),
	)

	line.SetXAxis(xs)
	for ch := 0; ch < channelCount; ch++ {
		data := make([]opts.LineData, 0, len(frames))
		for i := len(frames) - 1; i >= 0; i-- {
			data = append(data, opts.LineData{Value: units.ConvertChannel(frames[i].Channels[ch], s.units)})
		}
		line.AddSeries(fmt.Sprintf("ch%d", ch+1), data)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// chartLinkHealth renders a simple bar chart of the decoder counters: the live
// values from the running mux alongside the latest snapshot persisted for the
// session, so drift between them is visible at a glance.
func (s *Server) chartLinkHealth(w http.ResponseWriter, r *http.Request) {
	live := s.m.LinkStats()

	x := []string{"Frames decoded", "Sync losses", "Bytes discarded"}
	liveData := []opts.BarData{
		{Value: live.FramesDecoded},
		{Value: live.SyncLosses},
		{Value: live.BytesDiscarded},
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Link Health", Subtitle: time.Now().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("live", liveData,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	sessionID, err := s.resolveSession(r)
	if err == nil && sessionID != "" {
		if persisted, err := s.db.LatestLinkStats(sessionID); err == nil && persisted != nil {
			bar.AddSeries("persisted", []opts.BarData{
				{Value: persisted.FramesDecoded},
				{Value: persisted.SyncLosses},
				{Value: persisted.BytesDiscarded},
			})
		}
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
