// Package source simulates a dash cam that hands over recorded videos one at a time.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/models"
)

// IngestFunc receives each downloaded video
type IngestFunc func(ctx context.Context, video models.Content)

// Options configure a Downloader
type Options struct {
	// SourceDir plays the dash cam's storage
	SourceDir string
	// DestDir receives the downloaded copies
	DestDir string
	// Interval between downloads
	Interval time.Duration
	// StartDelay before the first download
	StartDelay time.Duration
	Logger     *logging.Logger
}

// Downloader copies videos from SourceDir into DestDir at a fixed pace
type Downloader struct {
	opts   Options
	logger *logging.Logger
}

func New(opts Options) *Downloader {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Downloader{opts: opts, logger: opts.Logger.Component("source")}
}

// Videos lists the source videos in name order
func (d *Downloader) Videos() ([]string, error) {
	entries, err := os.ReadDir(d.opts.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), models.VideoExtension) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run downloads every source video, calling ingest after each. It returns nil once the
// source is exhausted.
func (d *Downloader) Run(ctx context.Context, ingest IngestFunc) error {
	names, err := d.Videos()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.opts.DestDir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	d.logger.Info(fmt.Sprintf("Dash cam has %d video(s)", len(names)))

	if err := sleep(ctx, d.opts.StartDelay); err != nil {
		return err
	}
	for i, name := range names {
		if i > 0 {
			if err := sleep(ctx, d.opts.Interval); err != nil {
				return err
			}
		}

		start := time.Now()
		dest := filepath.Join(d.opts.DestDir, name)
		if err := copyFile(filepath.Join(d.opts.SourceDir, name), dest); err != nil {
			d.logger.Error(fmt.Sprintf("Failed to download %s: %v", name, err))
			continue
		}
		d.logger.Info(fmt.Sprintf("Downloaded %s in %.3fs", name, time.Since(start).Seconds()))
		ingest(ctx, models.NewVideo(dest))
	}
	d.logger.Info("All dash cam videos downloaded")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
