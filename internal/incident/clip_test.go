package incident_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/sentrymesh/internal/incident"
	"github.com/technosupport/sentrymesh/internal/ring"
)

func solidJPEG(t *testing.T, w, h int, v uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

func sampleFrames(t *testing.T, n int, w, h int) []ring.Frame {
	t.Helper()
	now := time.Now()
	frames := make([]ring.Frame, n)
	for i := 0; i < n; i++ {
		frames[i] = ring.Frame{
			SequenceNo:      uint64(i),
			CapturedAt:      now.Add(time.Duration(i) * 100 * time.Millisecond),
			PayloadBytes:    solidJPEG(t, w, h, uint8(50+i)),
			PayloadEncoding: "jpeg",
		}
	}
	return frames
}

func TestAssemble_ProducesNonEmptyMP4(t *testing.T) {
	frames := sampleFrames(t, 20, 64, 64)
	data, duration, err := incident.Assemble(frames, incident.DefaultBudget)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Greater(t, duration, time.Duration(0))
	assert.Equal(t, "ftyp", string(data[4:8]))
}

func TestAssemble_EmptyFramesErrors(t *testing.T) {
	_, _, err := incident.Assemble(nil, incident.DefaultBudget)
	assert.Error(t, err)
}

func TestAssemble_DegradesUnderTightBudget(t *testing.T) {
	frames := sampleFrames(t, 50, 256, 256)
	tight := incident.DefaultBudget
	tight.MaxBytes = 1 // forces every degradation step

	data, _, err := incident.Assemble(frames, tight)
	require.NoError(t, err)
	assert.NotEmpty(t, data, "must still return best-effort clip at the floor")
}
