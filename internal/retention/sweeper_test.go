package retention_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/sentrymesh/internal/retention"
)

func writeFileWithMtime(t *testing.T, dir, name string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o640))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestSweepOnce_DeletesOnlyFilesOlderThanRetention(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	oldPath := writeFileWithMtime(t, dir, "old.mp4", now.AddDate(0, 0, -40))
	newPath := writeFileWithMtime(t, dir, "new.mp4", now.AddDate(0, 0, -5))

	s := retention.NewSweeper([]string{dir}, 30)
	result := s.SweepOnce(now)

	assert.Equal(t, 1, result.FilesDeleted)
	_, err := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err), "file older than retention must be deleted")
	_, err = os.Stat(newPath)
	assert.NoError(t, err, "file within retention must survive")
}

func TestSweepOnce_MissingDirectoryIsNotAnError(t *testing.T) {
	s := retention.NewSweeper([]string{"/nonexistent/path/does/not/exist"}, 30)
	result := s.SweepOnce(time.Now())
	assert.Equal(t, 0, result.Errors)
	assert.Equal(t, 0, result.FilesDeleted)
}

func TestSweepOnce_SafeUnderConcurrentInvocation(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	for i := 0; i < 20; i++ {
		writeFileWithMtime(t, dir, string(rune('a'+i))+".mp4", now.AddDate(0, 0, -40))
	}

	s := retention.NewSweeper([]string{dir}, 30)

	done := make(chan retention.Result, 2)
	go func() { done <- s.SweepOnce(now) }()
	go func() { done <- s.SweepOnce(now) }()

	r1 := <-done
	r2 := <-done
	assert.Equal(t, 20, r1.FilesDeleted+r2.FilesDeleted, "every stale file deleted exactly once across both runs")
}
