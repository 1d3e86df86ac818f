//go:build !js

package qrlogoext

// QR share codes with a map-pin mark in the middle (github.com/skip2/go-qrcode, ECC=H).
// - White background (incl. quiet zone), dark modules.
// - Central box cleared and filled with a pin painted in the layer color.
// - Nearest-neighbor scaling and primitive fills are our own; no image libs.

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

type Options struct {
	// Output size (px)
	TargetPx int

	// Colors
	Fg  color.RGBA // module color
	Bg  color.RGBA // background including the quiet zone
	Pin color.RGBA // map pin in the center box

	// Central box as a fraction of the image side, clamped to 0.20..0.30
	// so ECC=H can still recover the covered modules.
	LogoBoxFrac float64
}

func EncodePNG(w io.Writer, data []byte, opt Options) error {
	// ---- defaults
	if opt.TargetPx <= 0 {
		opt.TargetPx = 1024
	}
	if opt.LogoBoxFrac <= 0 {
		opt.LogoBoxFrac = 0.26
	}
	opt.LogoBoxFrac = math.Min(math.Max(opt.LogoBoxFrac, 0.20), 0.30)
	if (opt.Fg == color.RGBA{}) {
		opt.Fg = color.RGBA{0x20, 0x20, 0x20, 0xFF}
	}
	if (opt.Bg == color.RGBA{}) {
		opt.Bg = color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
	}
	if (opt.Pin == color.RGBA{}) {
		opt.Pin = color.RGBA{0x33, 0x88, 0xFF, 0xFF}
	}

	qr, err := qrcode.New(string(data), qrcode.Highest)
	if err != nil {
		return err
	}
	qr.ForegroundColor = opt.Fg
	qr.BackgroundColor = opt.Bg

	src := qr.Image(opt.TargetPx)
	b := src.Bounds()
	W, H := b.Dx(), b.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, W, H))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	box := int(opt.LogoBoxFrac * float64(min(W, H)))
	box -= box % 2
	cx, cy := W/2, H/2
	fillRect(dst, cx-box/2, cy-box/2, box, box, opt.Bg)
	drawPin(dst, cx, cy, box, opt.Pin, opt.Bg)

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, dst)
}

// ParseHexColor reads "#rrggbb" (or "rrggbb"); ok is false for anything else.
func ParseHexColor(s string) (color.RGBA, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, false
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}, true
}

// drawPin paints a teardrop marker: a disc with a hole, tapering to a tip
// near the bottom of the box.
func drawPin(dst *image.RGBA, cx, cy, box int, col, hole color.RGBA) {
	half := box / 2
	r := int(0.50 * float64(half))
	headY := cy - int(0.25*float64(half))
	tipY := cy + int(0.90*float64(half))

	fillCircle(dst, cx, headY, r, col)
	fillTaper(dst, cx, headY, tipY, r, col)
	fillCircle(dst, cx, headY, int(0.42*float64(r)), hole)
}

// ---------- tiny raster helpers ----------

func fillRect(img *image.RGBA, x, y, w, h int, col color.RGBA) {
	draw.Draw(img, image.Rect(x, y, x+w, y+h), &image.Uniform{col}, image.Point{}, draw.Src)
}

func fillCircle(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	if r <= 0 {
		return
	}
	r2 := r * r
	b := img.Bounds()
	minY := max(cy-r, b.Min.Y)
	maxY := min(cy+r, b.Max.Y-1)
	for y := minY; y <= maxY; y++ {
		dy := y - cy
		xx := int(math.Sqrt(float64(r2 - dy*dy)))
		x1 := max(cx-xx, b.Min.X)
		x2 := min(cx+xx, b.Max.X-1)
		for x := x1; x <= x2; x++ {
			img.SetRGBA(x, y, col)
		}
	}
}

// fillTaper narrows linearly from half-width r at y0 down to a point at y1.
func fillTaper(img *image.RGBA, cx, y0, y1, r int, col color.RGBA) {
	if y1 <= y0 || r <= 0 {
		return
	}
	b := img.Bounds()
	for y := max(y0, b.Min.Y); y <= min(y1, b.Max.Y-1); y++ {
		w := int(float64(r) * float64(y1-y) / float64(y1-y0))
		for x := max(cx-w, b.Min.X); x <= min(cx+w, b.Max.X-1); x++ {
			img.SetRGBA(x, y, col)
		}
	}
}
