package source

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/edgedash/pkg/models"
)

func TestDirWatcherIngestsSettledVideos(t *testing.T) {
	dir := t.TempDir()
	w := NewDirWatcher(dir, 50*time.Millisecond, nil)

	var mu sync.Mutex
	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, v models.Content) {
			mu.Lock()
			got = append(got, v.Name)
			mu.Unlock()
		})
	}()
	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "V1.mp4")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.WriteString("frame")
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// a later write to the same name is not ingested again
	require.NoError(t, os.WriteFile(path, []byte("more"), 0644))
	time.Sleep(150 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"V1.mp4"}, got)
}

func TestDirWatcherMissingDir(t *testing.T) {
	w := NewDirWatcher(filepath.Join(t.TempDir(), "absent"), 0, nil)
	assert.Error(t, w.Run(context.Background(), func(context.Context, models.Content) {}))
}
