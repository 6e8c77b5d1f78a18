package stages

import (
	"bytes"
	"fmt"
	"image/color"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

const (
	slideWidth  = 1280
	slideHeight = 720
	slideMargin = 80
)

var (
	slideBackground = color.NRGBA{R: 0x1F, G: 0x2A, B: 0x44, A: 0xFF}
	slideAccent     = color.NRGBA{R: 0xF2, G: 0xB1, B: 0x34, A: 0xFF}
)

// SlideRenderer draws one PNG per script section.
type SlideRenderer struct {
	face font.Face
}

// NewSlideRenderer uses face for all text, or the built-in bitmap font when nil.
func NewSlideRenderer(face font.Face) *SlideRenderer {
	if face == nil {
		face = basicfont.Face7x13
	}
	return &SlideRenderer{face: face}
}

// LoadSlideFont parses a TrueType font file for slide text.
func LoadSlideFont(path string, size float64) (font.Face, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read slide font: %w", err)
	}
	parsed, err := truetype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse slide font: %w", err)
	}
	return truetype.NewFace(parsed, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}

func (r *SlideRenderer) Render(title string, sec Section, index, total int) ([]byte, error) {
	dc := gg.NewContext(slideWidth, slideHeight)
	dc.SetColor(slideBackground)
	dc.Clear()

	dc.SetColor(slideAccent)
	dc.DrawRectangle(0, 0, slideWidth, 12)
	dc.Fill()

	dc.SetFontFace(r.face)
	_, lineH := dc.MeasureString("Mg")

	dc.SetColor(slideAccent)
	dc.DrawString(title, slideMargin, slideMargin)

	heading := sec.Heading
	if heading == "" {
		heading = fmt.Sprintf("Part %d", index)
	}
	dc.SetColor(color.White)
	dc.DrawString(heading, slideMargin, slideMargin+lineH*3)

	dc.SetColor(color.NRGBA{R: 0xDD, G: 0xE3, B: 0xF0, A: 0xFF})
	dc.DrawStringWrapped(sec.Narration, slideMargin, slideMargin+lineH*6, 0, 0,
		slideWidth-2*slideMargin, 1.5, gg.AlignLeft)

	dc.SetColor(slideAccent)
	dc.DrawStringAnchored(fmt.Sprintf("%d / %d", index, total), slideWidth-slideMargin, slideHeight-slideMargin/2, 1, 0)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode slide: %w", err)
	}
	return buf.Bytes(), nil
}
