package ring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/sentrymesh/internal/ring"
)

func frameAt(t time.Time) ring.Frame {
	return ring.Frame{CapturedAt: t, PayloadBytes: []byte("x"), PayloadEncoding: "jpeg"}
}

func TestAppend_OrderingPreserved(t *testing.T) {
	r := ring.New(10)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Append(frameAt(base.Add(time.Duration(i) * time.Second)))
	}

	got := r.Recent(base.Add(10*time.Second), time.Hour)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].CapturedAt.After(got[i-1].CapturedAt) || got[i].CapturedAt.Equal(got[i-1].CapturedAt))
		assert.Greater(t, got[i].SequenceNo, got[i-1].SequenceNo)
	}
}

func TestAppend_EvictsOldestAtCapacity(t *testing.T) {
	r := ring.New(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Append(frameAt(base.Add(time.Duration(i) * time.Second)))
	}

	assert.Equal(t, 3, r.Size())
	got := r.Recent(base.Add(10*time.Second), time.Hour)
	require.Len(t, got, 3)
	// the three survivors are appends 2, 3, 4 (0-indexed)
	assert.Equal(t, base.Add(2*time.Second), got[0].CapturedAt)
	assert.Equal(t, base.Add(4*time.Second), got[2].CapturedAt)
}

func TestRecent_FiltersByDuration(t *testing.T) {
	r := ring.New(100)
	now := time.Now()
	r.Append(frameAt(now.Add(-20 * time.Second)))
	r.Append(frameAt(now.Add(-5 * time.Second)))
	r.Append(frameAt(now.Add(-1 * time.Second)))

	got := r.Recent(now, 10*time.Second)
	assert.Len(t, got, 2)
}

func TestSnapshot_IndependentOfFutureAppends(t *testing.T) {
	r := ring.New(5)
	now := time.Now()
	r.Append(frameAt(now))

	snap := r.Snapshot(now.Add(time.Second), 10*time.Second)
	require.Len(t, snap, 1)

	for i := 0; i < 10; i++ {
		r.Append(frameAt(now.Add(time.Duration(i+1) * time.Second)))
	}

	require.Len(t, snap, 1, "snapshot must not observe later appends")
}

func TestCapacityFor_RoundsUp(t *testing.T) {
	assert.Equal(t, 250, ring.CapacityFor(10, 25))
	assert.Equal(t, 75, ring.CapacityFor(3, 25))
}
