// Package heatmap projects session counts onto a keyboard layout and renders
// the result as an image, a terminal grid, text summaries, or an HTML report.
package heatmap

import (
	"github.com/verte-zerg/keyheat/internal/model"
)

// rateFloorMinutes keeps the average rate finite for sessions shorter than a second.
const rateFloorMinutes = 1.0 / 60.0

// Compute derives per-position intensities and summary statistics. Positions
// without presses get zero intensity; a session without presses yields
// all-zero intensities.
func Compute(session model.SessionData, layout model.LayoutConfig) model.HeatmapResult {
	res := model.HeatmapResult{
		Keys:      make([]model.KeyIntensity, 0, len(layout.Positions)),
		Intensity: make(map[model.Physical]float64, len(layout.Positions)),
	}

	maxCount := 0
	for _, pos := range layout.Positions {
		count := session.KeypressCounts[pos.Coord()]
		if count > maxCount {
			maxCount = count
		}
		res.Keys = append(res.Keys, model.KeyIntensity{Position: pos, Count: count})
	}
	for i := range res.Keys {
		if maxCount > 0 {
			res.Keys[i].Intensity = float64(res.Keys[i].Count) / float64(maxCount)
		}
		res.Intensity[res.Keys[i].Position.Physical()] = res.Keys[i].Intensity
	}

	stats := model.HeatmapStats{Total: session.TotalKeypresses}
	best := 0
	for _, k := range res.Keys {
		if k.Count > 0 {
			stats.UniqueKeysUsed++
		}
		if k.Count > best {
			best = k.Count
			c := k.Position.Coord()
			stats.MostUsedPosition = &c
			stats.MostUsedLabel = k.Position.Label
		}
	}
	// Coordinates missing from the layout still compete, after every layout position.
	for _, c := range session.SortedCoords() {
		if layout.Contains(c) {
			continue
		}
		count := session.KeypressCounts[c]
		stats.Unmapped += count
		if count > best {
			best = count
			coord := c
			stats.MostUsedPosition = &coord
			stats.MostUsedLabel = c.String()
		}
	}
	stats.MostUsedCount = best

	stats.DurationMinutes = session.Duration().Minutes()
	stats.AverageRatePerMinute = float64(stats.Total) / max(stats.DurationMinutes, rateFloorMinutes)
	res.Stats = stats
	return res
}
