// Package transform renders the sellable variants of an uploaded original: a
// tiled text watermark preview and a small grid thumbnail.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	watermarkMaxWidth = 1600
	thumbWidth        = 300

	watermarkQuality = 80
	thumbQuality     = 60

	// pattern tilt, matches the preview look buyers see before purchase
	watermarkAngle = 28.0
)

// Transformer is the image transform service consumed by the worker loop.
// Implementations derive both outputs from the same original bytes.
type Transformer interface {
	Watermark(ctx context.Context, src []byte) ([]byte, error)
	Thumbnail(ctx context.Context, src []byte) ([]byte, error)
}

type Service struct {
	text string
	font *truetype.Font
}

func NewService(text string) (*Service, error) {
	const op = "transform.NewService"

	f, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return &Service{text: text, font: f}, nil
}

// Watermark caps the original at 1600px wide and composites a repeating,
// tilted text pattern over the whole frame.
func (s *Service) Watermark(ctx context.Context, src []byte) ([]byte, error) {
	const op = "transform.Watermark"

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	if img.Bounds().Dx() > watermarkMaxWidth {
		img = imaging.Resize(img, watermarkMaxWidth, 0, imaging.Lanczos)
	}

	w := img.Bounds().Dx()
	h := img.Bounds().Dy()

	overlay, err := s.renderPattern(w, h)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	out := imaging.Overlay(img, overlay, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(watermarkQuality)); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return buf.Bytes(), nil
}

// Thumbnail produces the ~300px grid preview.
func (s *Service) Thumbnail(ctx context.Context, src []byte) ([]byte, error) {
	const op = "transform.Thumbnail"

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	if img.Bounds().Dx() > thumbWidth {
		img = imaging.Resize(img, thumbWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(thumbQuality)); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return buf.Bytes(), nil
}

// renderPattern draws the watermark text in a grid on an oversized transparent
// canvas, tilts it, and crops back to the target frame so the corners stay
// covered after rotation.
func (s *Service) renderPattern(w, h int) (image.Image, error) {
	// cell sizes give roughly 3 repetitions across and 3-4 down
	cellW := w / 3
	cellH := int(float64(h) / 3.5)
	if cellW < 1 || cellH < 1 {
		cellW, cellH = w, h
	}
	fontSize := float64(cellH) * 0.6
	if alt := float64(cellW) * 0.35; alt < fontSize {
		fontSize = alt
	}
	if fontSize < 8 {
		fontSize = 8
	}

	side := w + h
	canvas := image.NewNRGBA(image.Rect(0, 0, side, side))

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(s.font)
	c.SetFontSize(fontSize)
	c.SetClip(canvas.Bounds())
	c.SetDst(canvas)

	shadowOffset := int(fontSize * 0.06)
	if shadowOffset < 2 {
		shadowOffset = 2
	}

	for y := 0; y < side; y += cellH {
		for x := 0; x < side; x += cellW {
			baseline := y + int(float64(cellH)*0.7)

			// dark offset copy first so the text reads on light backgrounds
			c.SetSrc(image.NewUniform(color.NRGBA{0, 0, 0, 46}))
			if _, err := c.DrawString(s.text, freetype.Pt(x+shadowOffset, baseline+shadowOffset)); err != nil {
				return nil, err
			}
			c.SetSrc(image.NewUniform(color.NRGBA{255, 255, 255, 66}))
			if _, err := c.DrawString(s.text, freetype.Pt(x, baseline)); err != nil {
				return nil, err
			}
		}
	}

	rotated := imaging.Rotate(canvas, watermarkAngle, color.NRGBA{0, 0, 0, 0})
	return imaging.CropCenter(rotated, w, h), nil
}
