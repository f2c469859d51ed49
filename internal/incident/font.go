package incident

import "image"

// A tiny embedded 3x5 bitmap font for the clip timestamp overlay. No font
// rendering library appears anywhere in the retrieved corpus, so glyphs for
// the fixed RFC3339-ish character set (digits, ':', '-', 'T', 'Z') are
// hand-encoded here rather than introducing an unseen dependency.
var glyph3x5 = map[byte][5]byte{
	'0': {0b111, 0b101, 0b101, 0b101, 0b111},
	'1': {0b010, 0b110, 0b010, 0b010, 0b111},
	'2': {0b111, 0b001, 0b111, 0b100, 0b111},
	'3': {0b111, 0b001, 0b111, 0b001, 0b111},
	'4': {0b101, 0b101, 0b111, 0b001, 0b001},
	'5': {0b111, 0b100, 0b111, 0b001, 0b111},
	'6': {0b111, 0b100, 0b111, 0b101, 0b111},
	'7': {0b111, 0b001, 0b001, 0b001, 0b001},
	'8': {0b111, 0b101, 0b111, 0b101, 0b111},
	'9': {0b111, 0b101, 0b111, 0b001, 0b111},
	':': {0b000, 0b010, 0b000, 0b010, 0b000},
	'-': {0b000, 0b000, 0b111, 0b000, 0b000},
	'T': {0b111, 0b010, 0b010, 0b010, 0b010},
	'Z': {0b111, 0b001, 0b010, 0b100, 0b111},
}

var timestampFG = mustRGBA(255, 255, 0, 255)
var timestampBG = mustRGBA(0, 0, 0, 160)

func mustRGBA(r, g, b, a uint8) [4]uint8 { return [4]uint8{r, g, b, a} }

// drawText renders s in the top-left corner of img using glyph3x5, each
// glyph scaled 2x with a 1px gap, on a dark backing rectangle so the
// timestamp stays legible over bright or dark footage. blendPixel overwrites
// pixels rather than compositing, and the JPEG encoder ignores alpha, so the
// rectangle comes out opaque.
func drawText(img *image.RGBA, s string) {
	const (
		glyphW = 3
		glyphH = 5
		scale  = 2
		gap    = 1
		pad    = 2
	)

	width := len(s)*(glyphW*scale+gap) + pad*2
	height := glyphH*scale + pad*2
	b := img.Bounds()
	if width > b.Dx() {
		width = b.Dx()
	}
	if height > b.Dy() {
		height = b.Dy()
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			blendPixel(img, b.Min.X+x, b.Min.Y+y, timestampBG)
		}
	}

	cursor := pad
	for i := 0; i < len(s) && cursor < width; i++ {
		rows, ok := glyph3x5[s[i]]
		if !ok {
			cursor += glyphW*scale + gap
			continue
		}
		for row := 0; row < glyphH; row++ {
			bits := rows[row]
			for col := 0; col < glyphW; col++ {
				if bits&(1<<(glyphW-1-col)) == 0 {
					continue
				}
				for sy := 0; sy < scale; sy++ {
					for sx := 0; sx < scale; sx++ {
						px := b.Min.X + cursor + col*scale + sx
						py := b.Min.Y + pad + row*scale + sy
						blendPixel(img, px, py, timestampFG)
					}
				}
			}
		}
		cursor += glyphW*scale + gap
	}
}

func blendPixel(img *image.RGBA, x, y int, c [4]uint8) {
	if !(image.Point{X: x, Y: y}.In(img.Bounds())) {
		return
	}
	img.Set(x, y, rgbaColor(c))
}

type rgbaColorT struct{ r, g, b, a uint8 }

func (c rgbaColorT) RGBA() (r, g, b, a uint32) {
	r = uint32(c.r) * 0x101
	g = uint32(c.g) * 0x101
	b = uint32(c.b) * 0x101
	a = uint32(c.a) * 0x101
	return
}

func rgbaColor(c [4]uint8) rgbaColorT {
	return rgbaColorT{c[0], c[1], c[2], c[3]}
}
