// Package analysis runs the video analysis pipeline: given a video file, produce a result file.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/models"
)

// ErrNoCommand is returned when an ExecAnalyzer has nothing to run
var ErrNoCommand = errors.New("analysis: no command configured")

// Analyzer turns a video into a result file at outPath
type Analyzer interface {
	Analyse(ctx context.Context, videoPath, outPath string) error
}

// AnalyzerFunc adapts a function to Analyzer
type AnalyzerFunc func(ctx context.Context, videoPath, outPath string) error

func (f AnalyzerFunc) Analyse(ctx context.Context, videoPath, outPath string) error {
	return f(ctx, videoPath, outPath)
}

const (
	inputPlaceholder  = "{input}"
	outputPlaceholder = "{output}"
)

// ExecAnalyzer runs an external program. Arguments may contain {input} and {output},
// which are replaced by the video and result paths.
type ExecAnalyzer struct {
	Command []string
	Logger  *logging.Logger
}

// NewExecAnalyzer splits a command line on whitespace
func NewExecAnalyzer(commandLine string, logger *logging.Logger) *ExecAnalyzer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ExecAnalyzer{Command: strings.Fields(commandLine), Logger: logger.Component("analysis")}
}

func (a *ExecAnalyzer) expand(videoPath, outPath string) []string {
	args := make([]string, len(a.Command))
	for i, arg := range a.Command {
		arg = strings.ReplaceAll(arg, inputPlaceholder, videoPath)
		args[i] = strings.ReplaceAll(arg, outputPlaceholder, outPath)
	}
	return args
}

func (a *ExecAnalyzer) Analyse(ctx context.Context, videoPath, outPath string) error {
	if len(a.Command) == 0 {
		return ErrNoCommand
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create result directory: %w", err)
	}

	args := a.expand(videoPath, outPath)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	configureProcessGroup(cmd)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	a.Logger.Debug(fmt.Sprintf("Running %s", strings.Join(args, " ")))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("analysis of %s cancelled: %w", filepath.Base(videoPath), ctx.Err())
		}
		return fmt.Errorf("analysis of %s failed: %w: %s", filepath.Base(videoPath), err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("analysis of %s produced no result: %w", filepath.Base(videoPath), err)
	}
	return nil
}

// SimulatedResult is the document written by SimulatedAnalyzer
type SimulatedResult struct {
	Video      string    `json:"video"`
	Size       int64     `json:"size"`
	AnalysedAt time.Time `json:"analysedAt"`
	DurationMs int64     `json:"durationMs"`
	Frames     []Frame   `json:"frames"`
}

// Frame is a placeholder detection record
type Frame struct {
	Index      int     `json:"index"`
	Confidence float64 `json:"confidence"`
}

// SimulatedAnalyzer waits for Delay and writes a small JSON result. Used by the simulate
// command and tests.
type SimulatedAnalyzer struct {
	Delay time.Duration
}

func (s SimulatedAnalyzer) Analyse(ctx context.Context, videoPath, outPath string) error {
	info, err := os.Stat(videoPath)
	if err != nil {
		return fmt.Errorf("cannot analyse %s: %w", videoPath, err)
	}

	start := time.Now()
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	frames := make([]Frame, 0, 3)
	for i := 0; i < 3; i++ {
		frames = append(frames, Frame{Index: i * 30, Confidence: 0.5 + float64(i)/10})
	}
	doc := SimulatedResult{
		Video:      models.BaseName(videoPath) + models.VideoExtension,
		Size:       info.Size(),
		AnalysedAt: time.Now().UTC(),
		DurationMs: time.Since(start).Milliseconds(),
		Frames:     frames,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0644)
}
