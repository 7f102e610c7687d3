package telemetry

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Renderer composites telemetry onto a decoded video frame.
type Renderer interface {
	Compose(dst draw.Image, f Frame, cfg OverlayConfig) error
}

// BasicRenderer draws metric text lines over a translucent backing box
// using the fixed 7x13 bitmap face. It is the built-in renderer; richer
// typography plugs in through the Renderer interface.
type BasicRenderer struct {
	face font.Face
}

// NewBasicRenderer creates the built-in renderer.
func NewBasicRenderer() *BasicRenderer {
	return &BasicRenderer{face: basicfont.Face7x13}
}

const (
	lineHeight = 16
	padding    = 8
)

var (
	textColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	backColor = color.RGBA{A: 160}
)

// Compose draws the enabled metrics at the configured anchor. Scale is
// applied by integer upscaling of the rendered block.
func (r *BasicRenderer) Compose(dst draw.Image, f Frame, cfg OverlayConfig) error {
	lines := formatLines(f, cfg)
	if len(lines) == 0 {
		return nil
	}

	block := r.renderBlock(lines)

	scale := cfg.Scale
	if scale <= 0 {
		scale = 1
	}
	w := int(float64(block.Bounds().Dx()) * scale)
	h := int(float64(block.Bounds().Dy()) * scale)
	if w < 1 || h < 1 {
		return fmt.Errorf("overlay scale %g collapses the block", scale)
	}

	origin := anchorOrigin(dst.Bounds(), w, h, cfg)
	target := image.Rect(origin.X, origin.Y, origin.X+w, origin.Y+h)

	xdraw.NearestNeighbor.Scale(dst, target, block, block.Bounds(), xdraw.Over, nil)
	return nil
}

// renderBlock draws the text lines onto a fresh backing image.
func (r *BasicRenderer) renderBlock(lines []string) *image.RGBA {
	width := 0
	for _, line := range lines {
		if adv := font.MeasureString(r.face, line).Ceil(); adv > width {
			width = adv
		}
	}

	block := image.NewRGBA(image.Rect(0, 0, width+2*padding, len(lines)*lineHeight+2*padding))
	draw.Draw(block, block.Bounds(), image.NewUniform(backColor), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  block,
		Src:  image.NewUniform(textColor),
		Face: r.face,
	}
	for i, line := range lines {
		drawer.Dot = fixed.P(padding, padding+i*lineHeight+r.face.Metrics().Ascent.Ceil())
		drawer.DrawString(line)
	}
	return block
}

// anchorOrigin places a w x h block inside bounds at the configured
// corner, clamped to stay on the frame.
func anchorOrigin(bounds image.Rectangle, w, h int, cfg OverlayConfig) image.Point {
	margin := cfg.MarginPx

	var p image.Point
	switch cfg.Anchor {
	case CornerTopLeft:
		p = image.Pt(bounds.Min.X+margin, bounds.Min.Y+margin)
	case CornerTopRight:
		p = image.Pt(bounds.Max.X-margin-w, bounds.Min.Y+margin)
	case CornerBottomRight:
		p = image.Pt(bounds.Max.X-margin-w, bounds.Max.Y-margin-h)
	default: // bottom-left
		p = image.Pt(bounds.Min.X+margin, bounds.Max.Y-margin-h)
	}

	if p.X < bounds.Min.X {
		p.X = bounds.Min.X
	}
	if p.Y < bounds.Min.Y {
		p.Y = bounds.Min.Y
	}
	return p
}

// formatLines renders the enabled metrics as display strings.
func formatLines(f Frame, cfg OverlayConfig) []string {
	var lines []string

	if cfg.ShowHeartRate && f.HeartRate != nil {
		lines = append(lines, fmt.Sprintf("%d bpm", *f.HeartRate))
	}
	if cfg.ShowPace && f.PaceSecPerKm != nil {
		lines = append(lines, formatPace(*f.PaceSecPerKm))
	}
	if cfg.ShowDistance {
		lines = append(lines, fmt.Sprintf("%.2f km", f.DistanceKm))
	}
	if cfg.ShowElevation && f.ElevationM != nil {
		lines = append(lines, fmt.Sprintf("%.0f m", *f.ElevationM))
	}
	if cfg.ShowTime {
		lines = append(lines, formatClock(f.MovingSeconds))
	}
	return lines
}

// formatPace renders seconds-per-km as m:ss/km.
func formatPace(secPerKm float64) string {
	total := int(secPerKm + 0.5)
	return fmt.Sprintf("%d:%02d /km", total/60, total%60)
}

// formatClock renders seconds as h:mm:ss, dropping a zero hour field.
func formatClock(seconds float64) string {
	total := int(seconds + 0.5)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
