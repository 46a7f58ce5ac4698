package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/twrp-evacuate/internal/config"
	"github.com/deploymenttheory/twrp-evacuate/internal/logger"
	"github.com/deploymenttheory/twrp-evacuate/internal/migrate"
)

// ConfigEnv names the environment variable read when --config is absent
const ConfigEnv = config.EnvPrefix + "_CONFIG"

var cfgFile string

// rootCmd represents the base CLI command
var rootCmd = &cobra.Command{
	Use:   "twrp-evacuate [flags] <image>",
	Short: "Migrate app data out of a TWRP /data image",
	Long: `twrp-evacuate reads a raw ext4 image of an Android /data partition, as
written by a TWRP backup (data.ext4.win), and copies the private data of
every installed app into a directory tree or into Neo Backup archives.

The image is never modified. Ownership, permission bits and SELinux
contexts are kept in per-package metadata manifests or in the archives.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			cfgFile = os.Getenv(ConfigEnv)
		}
		if err := config.Initialize(cfgFile, cmd.Flags()); err != nil {
			return err
		}
		if err := config.Instance.Validate(); err != nil {
			return err
		}

		logConfig := logger.LoggerConfig{
			Debug:     config.Instance.Debug,
			LogFormat: config.Instance.LogFormat,
			LogFile:   config.Instance.LogFile,
		}
		if err := logger.InitLogger(logConfig); err != nil {
			return err
		}
		if config.ConfigLoaded {
			logger.LogDebug("Loaded configuration", map[string]interface{}{
				"config_file": config.ConfigFile,
			})
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := migrate.Evacuate(cmd.Context(), args[0], afero.NewOsFs(), &config.Instance)
		if report != nil {
			printReport(cmd.OutOrStdout(), report)
		}
		return err
	},
}

// ExecuteContext runs the root command. Cancelling ctx stops the migration
// after the units in progress.
func ExecuteContext(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.LogError("Command execution failed", err, nil)
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is search in standard locations)")

	// Logging flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "human", "Log format: json or human")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file")

	// Output flags
	flags := rootCmd.Flags()
	flags.StringP("output", "o", config.DefaultOutputDir, "Output directory")
	flags.String("layout", config.LayoutTree, "Output layout: tree or neobackup")
	flags.String("compression", "gzip", "Archive compression for neobackup: gzip, xz, bzip2 or none")
	flags.String("digest", "sha256", "Content digest in tree manifests: sha256, sha512, sha1, md5 or blake2b")
	flags.Bool("verify", false, "Read the output back and check it against manifests and properties")

	// Extraction flags
	flags.IntP("workers", "j", 0, "Units migrated in parallel (default one per CPU)")
	flags.Bool("skip-cache", true, "Leave out files owned by app cache groups")
	flags.Bool("apks", true, "Copy the installed APK files")
	flags.String("cpu-arch", "arm64-v8a", "CPU architecture recorded in Neo Backup properties")
	flags.StringSlice("package", nil, "Only migrate packages matching this glob (repeatable)")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

func printReport(w io.Writer, r *migrate.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Units:\t%d\n", r.Units)
	fmt.Fprintf(tw, "Visited:\t%d\n", r.Visited)
	fmt.Fprintf(tw, "Extracted:\t%d\n", r.Extracted)
	fmt.Fprintf(tw, "Filtered:\t%d\n", r.Filtered)
	fmt.Fprintf(tw, "Skipped:\t%d\n", len(r.Skipped))
	if r.Verified {
		fmt.Fprintf(tw, "Mismatches:\t%d\n", len(r.Mismatches))
	}
	for _, id := range r.UserIDs() {
		fmt.Fprintf(tw, "User %d:\t%d\n", id, r.Users[id])
	}
	fmt.Fprintf(tw, "Elapsed:\t%s\n", r.Elapsed.Round(time.Millisecond))
	tw.Flush()

	for _, s := range r.Skipped {
		fmt.Fprintf(w, "skipped %s (inode %d): %s\n", s.Path, s.Inode, s.Reason)
	}
	for _, m := range r.Mismatches {
		fmt.Fprintf(w, "mismatch %s: %s\n", m.Path, m.Reason)
	}
}
