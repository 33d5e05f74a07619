package phantom

import (
	"image"
	"image/color"

	"github.com/suyashkumar/dicom/pkg/frame"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// drawOverlay burns text into a uint16 frame: white glyphs scaled to
// roughly a third of the frame width, centered.
func drawOverlay(nativeFrame *frame.NativeFrame[uint16], width, height int, text string) {
	face := basicfont.Face7x13
	baseWidth := font.MeasureString(face, text).Ceil()
	baseHeight := 13
	if baseWidth == 0 {
		return
	}

	textImg := image.NewRGBA(image.Rect(0, 0, baseWidth, baseHeight))
	drawer := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
		Face: face,
		Dot:  fixed.Point26_6{Y: fixed.I(baseHeight)},
	}
	drawer.DrawString(text)

	scale := float64(width) * 0.3 / float64(baseWidth)
	if scale < 1.0 {
		scale = 1.0
	}
	scaledWidth := int(float64(baseWidth) * scale)
	scaledHeight := int(float64(baseHeight) * scale)

	scaled := image.NewRGBA(image.Rect(0, 0, scaledWidth, scaledHeight))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), textImg, textImg.Bounds(), draw.Over, nil)

	posX := (width - scaledWidth) / 2
	posY := (height - scaledHeight) / 2
	for sy := 0; sy < scaledHeight; sy++ {
		for sx := 0; sx < scaledWidth; sx++ {
			_, _, _, a := scaled.At(sx, sy).RGBA()
			if a == 0 {
				continue
			}
			x := posX + sx
			y := posY + sy
			if x >= 0 && x < width && y >= 0 && y < height {
				nativeFrame.RawData[y*width+x] = 0xFFFF
			}
		}
	}
}
