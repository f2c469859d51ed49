// Package fingerprint computes the Visual Fingerprint (§4.2): a 16-byte
// digest that collapses visually similar frames into the same dedup key.
// The algorithm is specified exactly and must be reproduced bit-for-bit
// across restarts, so this package leans entirely on stdlib image decoding
// and a hand-rolled area-average downsample rather than a general-purpose
// resampling library — any interpolation kernel other than the box/area
// average specified would silently change every dedup key on a dependency
// bump.
package fingerprint

import (
	"bytes"
	"crypto/md5" //nolint:gosec // used as a deterministic digest, not for security
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
)

const gridSize = 4

// Key is the 16-byte dedup fingerprint.
type Key [16]byte

func (k Key) String() string {
	return fmt.Sprintf("%x", [16]byte(k))
}

// Frame is the minimal shape this package needs from a ring.Frame — kept
// narrow so fingerprint has no dependency on the ring package.
type Frame struct {
	PayloadBytes    []byte
	PayloadEncoding string
}

// Compute runs the full pipeline: decode, downscale to 4x4 by area
// averaging, grayscale, mean-threshold, pack, MD5. Deterministic and pure.
func Compute(f Frame) (Key, error) {
	img, _, err := image.Decode(bytes.NewReader(f.PayloadBytes))
	if err != nil {
		return Key{}, fmt.Errorf("fingerprint: decode: %w", err)
	}

	cells := areaDownscale(img, gridSize, gridSize)

	var gray [gridSize * gridSize]uint8
	var sum int
	for i, c := range cells {
		g := color.GrayModel.Convert(c).(color.Gray).Y
		gray[i] = g
		sum += int(g)
	}
	mean := sum / len(gray)

	var mask uint16
	for i, g := range gray {
		if int(g) > mean {
			mask |= 1 << uint(i)
		}
	}

	packed := []byte{byte(mask >> 8), byte(mask)}
	sum16 := md5.Sum(packed) //nolint:gosec
	return Key(sum16), nil
}

// areaDownscale reduces img to cols x rows by averaging every source pixel
// that falls within each destination cell's rectangle ("area interpolation").
func areaDownscale(img image.Image, cols, rows int) []color.Color {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	out := make([]color.Color, 0, cols*rows)
	for ry := 0; ry < rows; ry++ {
		y0 := bounds.Min.Y + (ry*h)/rows
		y1 := bounds.Min.Y + ((ry+1)*h)/rows
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for rx := 0; rx < cols; rx++ {
			x0 := bounds.Min.X + (rx*w)/cols
			x1 := bounds.Min.X + ((rx+1)*w)/cols
			if x1 <= x0 {
				x1 = x0 + 1
			}

			var rSum, gSum, bSum, n uint64
			for y := y0; y < y1 && y < bounds.Max.Y; y++ {
				for x := x0; x < x1 && x < bounds.Max.X; x++ {
					r, g, b, _ := img.At(x, y).RGBA()
					rSum += uint64(r >> 8)
					gSum += uint64(g >> 8)
					bSum += uint64(b >> 8)
					n++
				}
			}
			if n == 0 {
				n = 1
			}
			out = append(out, color.RGBA{
				R: uint8(rSum / n),
				G: uint8(gSum / n),
				B: uint8(bSum / n),
				A: 255,
			})
		}
	}
	return out
}
