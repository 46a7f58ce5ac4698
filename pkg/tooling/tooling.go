// Package tooling exposes twrp-evacuate to other Go programs without going
// through the command line.
package tooling

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/deploymenttheory/twrp-evacuate/internal/config"
	"github.com/deploymenttheory/twrp-evacuate/internal/logger"
	"github.com/deploymenttheory/twrp-evacuate/internal/migrate"
)

// InitOptions contains options for initializing the tooling API
type InitOptions struct {
	ConfigFile  string // Path to configuration file
	Debug       bool   // Enable debug logging
	LogFormat   string // Log format: "human" or "json"
	LogFile     string // Path to log file
	SuppressLog bool   // Suppress all logging
}

// Report is the summary of a migration run.
type Report = migrate.Report

// Inspection describes an image without extracting it.
type Inspection = migrate.Inspection

var (
	mu          sync.Mutex
	initialized bool
)

// Initialize loads the configuration and sets up logging. Later calls are
// no-ops.
func Initialize(options InitOptions) error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return nil
	}

	if err := config.Initialize(options.ConfigFile, nil); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Update config with provided options
	if options.Debug {
		config.Instance.Debug = true
	}
	if options.LogFormat != "" {
		config.Instance.LogFormat = options.LogFormat
	}
	if options.LogFile != "" {
		config.Instance.LogFile = options.LogFile
	}

	if !options.SuppressLog {
		logConfig := logger.LoggerConfig{
			Debug:     config.Instance.Debug,
			LogFormat: config.Instance.LogFormat,
			LogFile:   config.Instance.LogFile,
		}
		if err := logger.InitLogger(logConfig); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.LogDebug("Tooling API initialized", map[string]interface{}{
			"config_file": config.ConfigFile,
		})
	}

	initialized = true
	return nil
}

// DefaultOptions returns the default initialization options
func DefaultOptions() InitOptions {
	return InitOptions{
		LogFormat: "human",
	}
}

func ensureInitialized() error {
	if err := Initialize(DefaultOptions()); err != nil {
		return fmt.Errorf("failed to initialize tooling API: %w", err)
	}
	return nil
}

// SetOutput selects the output directory and layout ("tree" or
// "neobackup") of later migrations.
func SetOutput(dir, layout string) error {
	if err := ensureInitialized(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	config.Instance.Output.Dir = dir
	config.Instance.Output.Layout = layout
	return nil
}

// SetPackages limits later migrations to packages matching one of the
// glob patterns. No patterns selects every package.
func SetPackages(patterns ...string) error {
	if err := ensureInitialized(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	config.Instance.Extract.Packages = patterns
	return nil
}

// Migrate copies the app data of the image at imagePath into the
// configured output directory.
func Migrate(ctx context.Context, imagePath string) (*Report, error) {
	return MigrateTo(ctx, imagePath, afero.NewOsFs())
}

// MigrateTo is Migrate with an explicit destination filesystem.
func MigrateTo(ctx context.Context, imagePath string, out afero.Fs) (*Report, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}
	mu.Lock()
	cfg := config.Instance
	mu.Unlock()
	return migrate.Evacuate(ctx, imagePath, out, &cfg)
}

// Inspect reports the filesystem summary and the units of an image.
func Inspect(imagePath string) (*Inspection, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}
	return migrate.Inspect(imagePath)
}

// Shutdown flushes buffered log entries.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return logger.Sync()
	}
	return nil
}
