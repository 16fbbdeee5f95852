// Package simulate runs a master and a set of workers in one process over the in-memory
// transport and reports how the videos were distributed.
package simulate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/psantana5/edgedash/pkg/analysis"
	"github.com/psantana5/edgedash/pkg/config"
	"github.com/psantana5/edgedash/pkg/hardware"
	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/node"
	"github.com/psantana5/edgedash/pkg/source"
	"github.com/psantana5/edgedash/pkg/store"
	"github.com/psantana5/edgedash/pkg/transport/memnet"
)

const pollInterval = 10 * time.Millisecond

var ErrTimeout = errors.New("simulation timed out")

// Options configure a simulation run
type Options struct {
	// Base is copied for every device; role, name, directories and transport are overridden
	Base *config.Config
	// WorkDir holds one data directory per device
	WorkDir string
	Workers int

	// VideoDir plays the dash cam; when empty Count synthetic videos of Size bytes are made
	VideoDir string
	Count    int
	Size     int

	// Interval between dash cam downloads
	Interval time.Duration
	// AnalysisDelay is the master's analysis time; worker i takes (i+2) times as long
	AnalysisDelay time.Duration
	Timeout       time.Duration
	Logger        *logging.Logger
}

// Report summarizes a finished run
type Report struct {
	Videos  int            `json:"videos" yaml:"videos"`
	Results int            `json:"results" yaml:"results"`
	Elapsed time.Duration  `json:"elapsed" yaml:"elapsed"`
	Records []store.Record `json:"records" yaml:"records"`
	// PerTarget counts completed dispatches by target name
	PerTarget map[string]int `json:"per_target" yaml:"per_target"`
}

// WorkerProfile is the hardware worker i reports. Later workers have more cores and a
// faster clock but a lower battery.
func WorkerProfile(i int) models.HardwareProfile {
	return models.HardwareProfile{
		CPUCores:       2 * (i + 1),
		CPUFreqHz:      1_500_000_000 + int64(i)*400_000_000,
		RAMTotal:       int64(i+2) << 30,
		RAMAvail:       int64(i+1) << 29,
		StorageTotal:   32 << 30,
		StorageAvail:   int64(16-i) << 30,
		BatteryPercent: hardware.MainsBattery - 15*i,
	}
}

func deviceConfig(base *config.Config, workDir, role, name string) *config.Config {
	c := *base
	c.Role = role
	c.DeviceName = name
	c.DataDir = filepath.Join(workDir, name)
	c.Transport.Kind = config.TransportMemnet
	c.AutoAccept = true
	c.Reconnect.Enabled = false
	c.Simulation.Enabled = false
	c.Ingest.Watch = false
	c.History.Path = ""
	c.Log.File = ""
	return &c
}

// MakeVideos writes count files of size random bytes named V001.mp4 onwards
func MakeVideos(dir string, count, size int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	buf := make([]byte, size)
	for i := 1; i <= count; i++ {
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("V%03d.mp4", i)), buf, 0644); err != nil {
			return fmt.Errorf("failed to write video: %w", err)
		}
	}
	return nil
}

func waitUntil(ctx context.Context, check func() bool) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for !check() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Run starts the mesh, downloads every video on the master and waits for all results
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Base == nil {
		return nil, fmt.Errorf("simulate: %w: missing configuration", config.ErrInvalid)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	logger := opts.Logger.Component("simulate")

	videoDir := opts.VideoDir
	if videoDir == "" {
		videoDir = filepath.Join(opts.WorkDir, "dashcam")
		if err := MakeVideos(videoDir, opts.Count, opts.Size); err != nil {
			return nil, err
		}
	}

	hub := memnet.NewHub()
	defer hub.Close()

	var nodes []*node.Node
	defer func() {
		for i := len(nodes) - 1; i >= 0; i-- {
			if err := nodes[i].Stop(context.Background()); err != nil {
				logger.Warn(fmt.Sprintf("Stopping %s: %v", nodes[i].Name(), err))
			}
		}
	}()

	newDevice := func(role, name string, analyzer analysis.Analyzer, profile models.HardwareProfile) (*node.Node, error) {
		cfg := deviceConfig(opts.Base, opts.WorkDir, role, name)
		dev, err := hub.NewDevice(name, cfg.DownloadDir())
		if err != nil {
			return nil, err
		}
		n, err := node.New(node.Options{
			Config:    cfg,
			Transport: dev,
			Analyzer:  analyzer,
			Hardware:  hardware.Fixed(profile),
			Logger:    opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		if err := n.Start(ctx); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		return n, nil
	}

	master, err := newDevice(config.RoleMaster, "master",
		analysis.SimulatedAnalyzer{Delay: opts.AnalysisDelay}, WorkerProfile(0))
	if err != nil {
		return nil, err
	}
	for i := 0; i < opts.Workers; i++ {
		delay := time.Duration(i+2) * opts.AnalysisDelay
		if _, err := newDevice(config.RoleWorker, fmt.Sprintf("worker-%d", i+1),
			analysis.SimulatedAnalyzer{Delay: delay}, WorkerProfile(i)); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	err = waitUntil(ctx, func() bool {
		ready := 0
		for _, e := range master.Registry().All() {
			if e.Connected() && e.Hardware != nil {
				ready++
			}
		}
		return ready == opts.Workers
	})
	if err != nil {
		return nil, fmt.Errorf("%w: workers did not connect", ErrTimeout)
	}
	logger.Info(fmt.Sprintf("Master connected to %d worker(s)", opts.Workers))

	start := time.Now()
	d := source.New(source.Options{
		SourceDir: videoDir,
		DestDir:   master.Config().RawDir(),
		Interval:  opts.Interval,
		Logger:    opts.Logger,
	})
	videos, err := d.Videos()
	if err != nil {
		return nil, err
	}
	if err := d.Run(ctx, master.Ingest); err != nil {
		return nil, err
	}

	err = waitUntil(ctx, func() bool {
		results, err := master.Results().List()
		if err != nil || len(results) < len(videos) {
			return false
		}
		records, err := master.Dispatcher().History(0)
		if err != nil {
			return false
		}
		for _, r := range records {
			if r.Open() {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for results", ErrTimeout)
	}

	records, err := master.Dispatcher().History(0)
	if err != nil {
		return nil, err
	}
	results, _ := master.Results().List()
	report := &Report{
		Videos:    len(videos),
		Results:   len(results),
		Elapsed:   time.Since(start),
		Records:   records,
		PerTarget: make(map[string]int),
	}
	for _, r := range records {
		if r.Status == store.StatusCompleted {
			name := r.TargetName
			if name == "" {
				name = r.Target
			}
			report.PerTarget[name]++
		}
	}
	logger.Info(fmt.Sprintf("%d result(s) in %s", report.Results, report.Elapsed.Round(time.Millisecond)))
	return report, nil
}
