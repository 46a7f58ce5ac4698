package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	compression "github.com/deploymenttheory/twrp-evacuate/internal/utils/compressionutil"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/cryptoutil"
	apperrors "github.com/deploymenttheory/twrp-evacuate/internal/utils/errors"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/fsutil"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/osutil"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "twrp-evacuate"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "TWRP_EVACUATE"

	// DefaultOutputDir is where migrated trees go unless configured otherwise
	DefaultOutputDir = "twrp_evacuate_migrated"
)

// Output layouts
const (
	LayoutTree      = "tree"
	LayoutNeoBackup = "neobackup"
)

// AppConfig holds the application configuration
type AppConfig struct {
	// Core settings
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Output settings
	Output struct {
		Dir         string `mapstructure:"dir"`
		Layout      string `mapstructure:"layout"`      // tree or neobackup
		Compression string `mapstructure:"compression"` // archive compression for neobackup
		Digest      string `mapstructure:"digest"`      // content digest in tree manifests
		Verify      bool   `mapstructure:"verify"`      // read the output back after the run
	} `mapstructure:"output"`

	// Extraction settings
	Extract struct {
		Workers   int    `mapstructure:"workers"`
		SkipCache bool   `mapstructure:"skip_cache"`
		APKs      bool   `mapstructure:"apks"`
		CPUArch   string `mapstructure:"cpu_arch"`
		// Packages limits extraction to package names matching any of
		// these globs. Empty means every package.
		Packages []string `mapstructure:"packages"`
	} `mapstructure:"extract"`
}

// Global variables
var (
	// Global configuration instance
	Instance AppConfig

	// Status indicators
	ConfigLoaded bool
	ConfigFile   string

	// Ensure thread safety
	initOnce sync.Once
)

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"debug":       "debug",
	"log-format":  "log_format",
	"log-file":    "log_file",
	"output":      "output.dir",
	"layout":      "output.layout",
	"compression": "output.compression",
	"digest":      "output.digest",
	"verify":      "output.verify",
	"workers":     "extract.workers",
	"skip-cache":  "extract.skip_cache",
	"apks":        "extract.apks",
	"cpu-arch":    "extract.cpu_arch",
	"package":     "extract.packages",
}

// Initialize loads the global configuration once. Flags present in flags
// override the file, the environment and the defaults.
func Initialize(cfgFile string, flags *pflag.FlagSet) error {
	var err error

	initOnce.Do(func() {
		var cfg AppConfig
		var used string
		cfg, used, err = load(cfgFile, flags)
		if err != nil {
			return
		}
		Instance = cfg
		ConfigFile = used
		ConfigLoaded = used != ""
	})

	return err
}

// Load reads a configuration without touching the global instance.
func Load(cfgFile string, flags *pflag.FlagSet) (AppConfig, error) {
	cfg, _, err := load(cfgFile, flags)
	return cfg, err
}

func load(cfgFile string, flags *pflag.FlagSet) (AppConfig, string, error) {
	var cfg AppConfig
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		for _, dir := range fsutil.ConfigSearchPaths(AppName) {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return cfg, "", fmt.Errorf("%w: bind flag %s: %v", apperrors.ErrConfigInvalid, name, err)
				}
			}
		}
	}

	used := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, "", fmt.Errorf("%w: %v", apperrors.ErrConfigParseError, err)
		}
	} else {
		used = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, "", fmt.Errorf("%w: %v", apperrors.ErrConfigParseError, err)
	}
	if cfg.Extract.Workers == 0 {
		cfg.Extract.Workers = osutil.GetNumCPU()
	}
	return cfg, used, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Core settings
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")
	v.SetDefault("log_file", "")

	// Output defaults
	v.SetDefault("output.dir", DefaultOutputDir)
	v.SetDefault("output.layout", LayoutTree)
	v.SetDefault("output.compression", string(compression.Gzip))
	v.SetDefault("output.digest", string(cryptoutil.SHA256))
	v.SetDefault("output.verify", false)

	// Extraction defaults
	v.SetDefault("extract.workers", osutil.GetNumCPU())
	v.SetDefault("extract.skip_cache", true)
	v.SetDefault("extract.apks", true)
	v.SetDefault("extract.cpu_arch", "arm64-v8a")
	v.SetDefault("extract.packages", []string{})
}

// Validate rejects values no component can act on.
func (c *AppConfig) Validate() error {
	switch c.Output.Layout {
	case LayoutTree, LayoutNeoBackup:
	default:
		return fmt.Errorf("%w: unknown output layout %q (want %s or %s)",
			apperrors.ErrConfigInvalid, c.Output.Layout, LayoutTree, LayoutNeoBackup)
	}
	if _, err := compression.ParseFormat(c.Output.Compression); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}
	if _, err := cryptoutil.NewHasher(cryptoutil.HashAlgorithm(c.Output.Digest)); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}
	if c.Extract.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", apperrors.ErrConfigInvalid, c.Extract.Workers)
	}
	for _, p := range c.Extract.Packages {
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("%w: package pattern %q: %v", apperrors.ErrConfigInvalid, p, err)
		}
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("%w: output directory is empty", apperrors.ErrConfigInvalid)
	}
	switch c.LogFormat {
	case "human", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", apperrors.ErrConfigInvalid, c.LogFormat)
	}
	return nil
}
