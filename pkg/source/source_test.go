package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/edgedash/pkg/models"
)

func sourceDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte(n), 0644))
	}
	return dir
}

func TestRunIngestsInOrder(t *testing.T) {
	src := sourceDir(t, "V2.mp4", "V1.mp4", "notes.txt", "V3.MP4")
	dest := filepath.Join(t.TempDir(), "raw")
	d := New(Options{SourceDir: src, DestDir: dest, Interval: time.Millisecond})

	var got []string
	err := d.Run(context.Background(), func(_ context.Context, v models.Content) {
		got = append(got, v.Name)
		_, err := os.Stat(v.Path)
		assert.NoError(t, err)
		assert.Equal(t, dest, filepath.Dir(v.Path))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"V1.mp4", "V2.mp4", "V3.MP4"}, got)
}

func TestRunCancelled(t *testing.T) {
	src := sourceDir(t, "V1.mp4", "V2.mp4")
	d := New(Options{SourceDir: src, DestDir: t.TempDir(), Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := d.Run(ctx, func(context.Context, models.Content) {
		count++
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, count)
}

func TestMissingSource(t *testing.T) {
	d := New(Options{SourceDir: filepath.Join(t.TempDir(), "absent"), DestDir: t.TempDir()})
	assert.Error(t, d.Run(context.Background(), func(context.Context, models.Content) {}))
}
