package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/deploymenttheory/twrp-evacuate/internal/config"
	"github.com/deploymenttheory/twrp-evacuate/internal/logger"
	"github.com/deploymenttheory/twrp-evacuate/internal/sink"
	compression "github.com/deploymenttheory/twrp-evacuate/internal/utils/compressionutil"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/cryptoutil"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/ext4"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/fsutil"
)

// LockFile is created inside the output directory while a run writes to it.
const LockFile = ".twrp-evacuate.lock"

var (
	// ErrOutputLocked is returned when another run holds the output directory.
	ErrOutputLocked = errors.New("output directory is in use by another run")
	// ErrVerifyFailed is returned when the output does not read back as written.
	ErrVerifyFailed = errors.New("output verification failed")
)

// Inspection describes an image without extracting anything.
type Inspection struct {
	Image   string       `json:"image"`
	Summary ext4.Summary `json:"summary"`
	Units   []Unit       `json:"units"`
	Skipped []Skip       `json:"skipped,omitempty"`
}

// Inspect parses the layout of the image at imagePath and lists its units.
func Inspect(imagePath string) (*Inspection, error) {
	dev, err := ext4.OpenDevice(imagePath)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	fs, err := ext4.Open(dev)
	if err != nil {
		return nil, err
	}
	units, skips, err := Discover(fs)
	if err != nil {
		return nil, err
	}
	return &Inspection{Image: imagePath, Summary: fs.Summary(), Units: units, Skipped: skips}, nil
}

// NewSink builds the sink selected by cfg below cfg.Output.Dir on out.
// stamp dates Neo Backup archives.
func NewSink(out afero.Fs, cfg *config.AppConfig, stamp time.Time) (sink.Sink, error) {
	switch cfg.Output.Layout {
	case config.LayoutNeoBackup:
		format, err := compression.ParseFormat(cfg.Output.Compression)
		if err != nil {
			return nil, err
		}
		return sink.NewArchiveSink(out, cfg.Output.Dir, sink.ArchiveOptions{
			Compression: format,
			Stamp:       stamp,
			CPUArch:     cfg.Extract.CPUArch,
		})
	case config.LayoutTree, "":
		return sink.NewTreeSink(out, cfg.Output.Dir, cryptoutil.HashAlgorithm(cfg.Output.Digest))
	}
	return nil, fmt.Errorf("unknown output layout %q", cfg.Output.Layout)
}

// Evacuate migrates the image at imagePath into cfg.Output.Dir on out. The
// output directory is only created once the image layout was accepted.
func Evacuate(ctx context.Context, imagePath string, out afero.Fs, cfg *config.AppConfig) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dev, err := ext4.OpenDevice(imagePath)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	fs, err := ext4.Open(dev)
	if err != nil {
		return nil, err
	}
	summary := fs.Summary()
	logger.LogInfo("Opened image", map[string]interface{}{
		"image":      imagePath,
		"block_size": summary.BlockSize,
		"groups":     summary.GroupCount,
		"features":   summary.Features,
	})
	if summary.NeedsRecovery {
		logger.LogWarn("Image journal needs recovery, recent changes may be missing", nil)
	}

	stamp := time.Now()
	if info, err := os.Stat(imagePath); err == nil {
		stamp = info.ModTime()
	}

	if _, ok := out.(*afero.OsFs); ok {
		checkFreeSpace(cfg.Output.Dir, summary.UsedBytes())
	}

	s, err := NewSink(out, cfg, stamp)
	if err != nil {
		return nil, err
	}
	if _, ok := out.(*afero.OsFs); ok {
		unlock, err := lockOutput(cfg.Output.Dir)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	m := New(fs, s, Options{
		Workers:   cfg.Extract.Workers,
		SkipCache: cfg.Extract.SkipCache,
		APKs:      cfg.Extract.APKs,
		Packages:  cfg.Extract.Packages,
	})
	report, err := m.Run(ctx)
	if ferr := s.Finish(); ferr != nil {
		logger.LogError("Could not finalize output", ferr, map[string]interface{}{
			"output": cfg.Output.Dir,
		})
		err = multierr.Append(err, ferr)
	} else if cfg.Output.Verify {
		if verr := verify(s, report); verr != nil {
			err = multierr.Append(err, verr)
		}
	}
	report.Log()
	return report, err
}

// verify reads the output of s back and records what does not match.
func verify(s sink.Sink, report *Report) error {
	v, ok := s.(sink.Verifier)
	if !ok {
		return nil
	}
	report.Verified = true
	report.Mismatches = v.Verify()
	for _, m := range report.Mismatches {
		logger.LogWarn("Output does not match", map[string]interface{}{
			"path":   m.Path,
			"reason": m.Reason,
		})
	}
	if n := len(report.Mismatches); n > 0 {
		return fmt.Errorf("%w: %d files", ErrVerifyFailed, n)
	}
	return nil
}

// lockOutput takes an advisory lock on dir so two runs never interleave
// their writes.
func lockOutput(dir string) (func(), error) {
	path := filepath.Join(dir, LockFile)
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock output directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrOutputLocked, dir)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.LogDebug("Could not release output lock", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
		os.Remove(path)
	}, nil
}

// checkFreeSpace warns when the filesystem holding dir has less room than
// the image has data.
func checkFreeSpace(dir string, need uint64) {
	existing, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	for !fsutil.DirExists(afero.NewOsFs(), existing) {
		parent := filepath.Dir(existing)
		if parent == existing {
			return
		}
		existing = parent
	}
	ok, err := fsutil.HasEnoughDiskSpace(existing, need)
	if err != nil {
		logger.LogDebug("Free space check unavailable", map[string]interface{}{
			"path":  existing,
			"error": err.Error(),
		})
		return
	}
	if !ok {
		logger.LogWarn("Output filesystem may run out of space", map[string]interface{}{
			"path":       existing,
			"image_used": need,
		})
	}
}
