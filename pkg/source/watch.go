package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/models"
)

const DefaultSettle = time.Second

// DirWatcher ingests videos that appear in a directory. A file is handed over once no
// write to it has been seen for the settle period, and only once per name.
type DirWatcher struct {
	dir    string
	settle time.Duration
	logger *logging.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	ingested map[string]bool
}

func NewDirWatcher(dir string, settle time.Duration, logger *logging.Logger) *DirWatcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &DirWatcher{
		dir:      dir,
		settle:   settle,
		logger:   logger.Component("watch"),
		timers:   make(map[string]*time.Timer),
		ingested: make(map[string]bool),
	}
}

// Run watches until ctx is done. Files already present when it starts are ignored.
func (w *DirWatcher) Run(ctx context.Context, ingest IngestFunc) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info(fmt.Sprintf("Watching %s for new videos", w.dir))

	var wg sync.WaitGroup
	defer func() {
		w.mu.Lock()
		for name, t := range w.timers {
			if t.Stop() {
				wg.Done()
			}
			delete(w.timers, name)
		}
		w.mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(fmt.Sprintf("Watch error: %v", err))
		case e, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !e.Has(fsnotify.Create) && !e.Has(fsnotify.Write) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(e.Name), models.VideoExtension) {
				continue
			}
			w.touch(ctx, e.Name, ingest, &wg)
		}
	}
}

func (w *DirWatcher) touch(ctx context.Context, path string, ingest IngestFunc, wg *sync.WaitGroup) {
	name := filepath.Base(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ingested[name] {
		return
	}
	if t, ok := w.timers[name]; ok {
		if t.Stop() {
			t.Reset(w.settle)
			return
		}
	}
	wg.Add(1)
	w.timers[name] = time.AfterFunc(w.settle, func() {
		defer wg.Done()
		w.mu.Lock()
		delete(w.timers, name)
		if w.ingested[name] || ctx.Err() != nil {
			w.mu.Unlock()
			return
		}
		w.ingested[name] = true
		w.mu.Unlock()
		ingest(ctx, models.NewVideo(path))
	})
}
