package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestResultStorePut(t *testing.T) {
	s, err := NewResultStore(filepath.Join(t.TempDir(), "results"), false)
	require.NoError(t, err)

	src := writeTemp(t, t.TempDir(), "77", `{"ok":true}`)
	res, err := s.Put("V1.json", src)
	require.NoError(t, err)
	assert.Equal(t, "V1.json", res.Name)
	assert.Equal(t, s.Path("V1.json"), res.Path)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source should be moved")

	again := writeTemp(t, t.TempDir(), "78", `{}`)
	_, err = s.Put("V1.json", again)
	assert.ErrorIs(t, err, ErrResultExists)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "V1.json", list[0].Name)
}

func TestResultStoreOverwrite(t *testing.T) {
	s, err := NewResultStore(t.TempDir(), true)
	require.NoError(t, err)

	_, err = s.Put("V1.json", writeTemp(t, t.TempDir(), "1", "first"))
	require.NoError(t, err)
	_, err = s.Put("V1.json", writeTemp(t, t.TempDir(), "2", "second"))
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path("V1.json"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestResultStoreRejectsPaths(t *testing.T) {
	s, err := NewResultStore(t.TempDir(), true)
	require.NoError(t, err)

	for _, name := range []string{"", "..", "../x.json", "a/b.json"} {
		_, err := s.Put(name, "unused")
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	_, err = s.Get("missing.json")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func historyImplementations(t *testing.T) map[string]History {
	sqlite, err := NewSQLiteHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]History{
		"memory": NewMemoryHistory(),
		"sqlite": sqlite,
	}
}

func TestHistoryFinish(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for name, h := range historyImplementations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, h.Add(Record{ID: "a", Video: "V1.mp4", Target: "p1", Policy: "fastest",
				Status: StatusDispatched, EnqueuedAt: base, DispatchedAt: base.Add(time.Second)}))
			require.NoError(t, h.Add(Record{ID: "b", Video: "V1.mp4", Target: LocalTarget,
				Status: StatusDispatched, EnqueuedAt: base, DispatchedAt: base.Add(2 * time.Second)}))

			rec, err := h.Finish("V1.mp4", "p1", StatusCompleted, base.Add(10*time.Second))
			require.NoError(t, err)
			assert.Equal(t, "a", rec.ID)
			assert.Equal(t, 10*time.Second, rec.Turnaround())

			_, err = h.Finish("V1.mp4", "p1", StatusCompleted, base)
			assert.ErrorIs(t, err, ErrRecordNotFound)

			rec, err = h.Finish("V1.mp4", "", StatusFailed, base.Add(3*time.Second))
			require.NoError(t, err)
			assert.Equal(t, "b", rec.ID)

			list, err := h.List(0)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "b", list[0].ID, "newest first")
			assert.Equal(t, StatusFailed, list[0].Status)
			assert.Equal(t, StatusCompleted, list[1].Status)
			assert.Equal(t, "fastest", list[1].Policy)

			list, err = h.List(1)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestSQLiteHistoryConcurrentAdd(t *testing.T) {
	h, err := NewSQLiteHistory(filepath.Join(t.TempDir(), "concurrent.db"))
	require.NoError(t, err)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, h.Add(Record{ID: fmt.Sprintf("r-%d", i), Video: "V.mp4", Target: "p",
				Status: StatusDispatched, DispatchedAt: time.Now()}))
		}(i)
	}
	wg.Wait()

	list, err := h.List(0)
	require.NoError(t, err)
	assert.Len(t, list, 20)
	assert.NoError(t, h.HealthCheck())
}
