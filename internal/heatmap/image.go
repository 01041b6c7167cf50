package heatmap

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/verte-zerg/keyheat/internal/model"
	"github.com/verte-zerg/keyheat/internal/record"
)

const (
	keySize      = 56
	keyGap       = 6
	margin       = 24
	lineHeight   = 16
	titleHeight  = 36
	statsPadding = 8
	barHeight    = 14
	minWidth     = 420
)

var (
	background = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	ink        = color.RGBA{A: 0xff}
	keyBorder  = color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
	statsFill  = color.RGBA{R: 0xf4, G: 0xf4, B: 0xf4, A: 0xff}
	statsEdge  = color.RGBA{R: 0xb0, G: 0xb0, B: 0xb0, A: 0xff}
)

// DefaultTitle is the image title used when none is given.
func DefaultTitle(stats model.HeatmapStats) string {
	return fmt.Sprintf("Keyboard Heatmap - %d keypresses in %.1f minutes", stats.Total, stats.DurationMinutes)
}

// StatsLines formats the statistics block shown on the image and in summaries.
func StatsLines(stats model.HeatmapStats) []string {
	most := "none"
	if stats.MostUsedPosition != nil {
		most = fmt.Sprintf("%s [%s] (%s times)", stats.MostUsedLabel, stats.MostUsedPosition, humanize.Comma(int64(stats.MostUsedCount)))
	}
	lines := []string{
		"Total Keypresses: " + humanize.Comma(int64(stats.Total)),
		fmt.Sprintf("Unique Keys Used: %d", stats.UniqueKeysUsed),
		fmt.Sprintf("Session Duration: %.1f min", stats.DurationMinutes),
		fmt.Sprintf("Average Rate: %.1f keys/min", stats.AverageRatePerMinute),
		"Most Used Key: " + most,
	}
	if stats.Unmapped > 0 {
		lines = append(lines, "Unmapped Presses: "+humanize.Comma(int64(stats.Unmapped)))
	}
	return lines
}

// Render draws the heatmap of session over layout. Every layout position is
// drawn; a session without presses renders uniformly cold.
func Render(session model.SessionData, layout model.LayoutConfig, opts model.RenderOptions) (image.Image, model.HeatmapStats, error) {
	cmap, err := LookupColormap(opts.Colormap)
	if err != nil {
		return nil, model.HeatmapStats{}, err
	}
	res := Compute(session, layout)
	return draw2D(res, cmap, opts.Title), res.Stats, nil
}

func draw2D(res model.HeatmapResult, cmap Colormap, title string) *image.RGBA {
	face := basicfont.Face7x13
	if title == "" {
		title = DefaultTitle(res.Stats)
	}
	statsLines := StatsLines(res.Stats)

	rows, cols := 0, 0
	for _, k := range res.Keys {
		rows = max(rows, k.Position.PhysicalRow+1)
		cols = max(cols, k.Position.PhysicalCol+1)
	}
	gridW := max(cols*(keySize+keyGap)-keyGap, 0)
	gridH := max(rows*(keySize+keyGap)-keyGap, 0)

	statsW := 0
	for _, line := range statsLines {
		statsW = max(statsW, textWidth(face, line))
	}
	statsW += 2 * statsPadding
	statsH := len(statsLines)*lineHeight + 2*statsPadding

	width := max(gridW, statsW, textWidth(face, title), minWidth-2*margin) + 2*margin
	height := margin + titleHeight + statsH + margin + gridH + margin + barHeight + lineHeight + margin

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	drawCentered(img, face, title, width/2, margin+titleHeight/2, ink)

	y := margin + titleHeight
	box := image.Rect(margin, y, margin+statsW, y+statsH)
	fillRect(img, box, statsFill)
	strokeRect(img, box, statsEdge)
	for i, line := range statsLines {
		drawText(img, face, line, margin+statsPadding, y+statsPadding+(i+1)*lineHeight-4, ink)
	}

	gridTop := y + statsH + margin
	gridLeft := (width - gridW) / 2
	for _, k := range res.Keys {
		x0 := gridLeft + k.Position.PhysicalCol*(keySize+keyGap)
		y0 := gridTop + k.Position.PhysicalRow*(keySize+keyGap)
		rect := image.Rect(x0, y0, x0+keySize, y0+keySize)
		bg := cmap.At(k.Intensity)
		fillRect(img, rect, cmap.RGBA(k.Intensity))
		strokeRect(img, rect, keyBorder)
		fg := textColor(bg)
		drawCentered(img, face, fitText(face, k.Position.Label, keySize-6), x0+keySize/2, y0+keySize/3, fg)
		if k.Count > 0 {
			drawCentered(img, face, fitText(face, humanize.Comma(int64(k.Count)), keySize-6), x0+keySize/2, y0+2*keySize/3, fg)
		}
	}

	barTop := gridTop + gridH + margin
	barW := width - 2*margin
	for x := 0; x < barW; x++ {
		c := cmap.RGBA(float64(x) / float64(max(barW-1, 1)))
		for yy := barTop; yy < barTop+barHeight; yy++ {
			img.SetRGBA(margin+x, yy, c)
		}
	}
	strokeRect(img, image.Rect(margin, barTop, margin+barW, barTop+barHeight), keyBorder)
	labelY := barTop + barHeight + lineHeight - 3
	drawText(img, face, "0", margin, labelY, ink)
	drawCentered(img, face, "Keypress Intensity", width/2, labelY-4, ink)
	drawText(img, face, "1", margin+barW-textWidth(face, "1"), labelY, ink)
	return img
}

func textWidth(face font.Face, s string) int {
	return font.MeasureString(face, s).Ceil()
}

// fitText shortens s until it fits in width pixels.
func fitText(face font.Face, s string, width int) string {
	if textWidth(face, s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 1 {
		runes = runes[:len(runes)-1]
		if cut := string(runes) + "."; textWidth(face, cut) <= width {
			return cut
		}
	}
	return string(runes)
}

func drawText(img draw.Image, face font.Face, s string, x, baseline int, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(s)
}

// drawCentered draws s centred horizontally on cx and vertically on cy.
func drawCentered(img draw.Image, face font.Face, s string, cx, cy int, c color.Color) {
	m := face.Metrics()
	ascent, descent := m.Ascent.Ceil(), m.Descent.Ceil()
	drawText(img, face, s, cx-textWidth(face, s)/2, cy+(ascent-descent)/2, c)
}

func fillRect(img draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func strokeRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for x := r.Min.X; x < r.Max.X; x++ {
		img.SetRGBA(x, r.Min.Y, c)
		img.SetRGBA(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.SetRGBA(r.Min.X, y, c)
		img.SetRGBA(r.Max.X-1, y, c)
	}
}

// EncodeImage writes img as JPEG for .jpg/.jpeg paths and PNG otherwise.
func EncodeImage(w io.Writer, img image.Image, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 92})
	default:
		return png.Encode(w, img)
	}
}

// WriteImage atomically writes img to path.
func WriteImage(path string, img image.Image) error {
	err := record.WriteAtomic(path, ".heatmap-*"+filepath.Ext(path), func(w io.Writer) error {
		return EncodeImage(w, img, path)
	})
	if err != nil {
		return &record.PersistenceError{Op: "write image", Path: path, Err: err}
	}
	return nil
}
