package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/twrp-evacuate/internal/migrate"
	"github.com/deploymenttheory/twrp-evacuate/internal/utils/jsonutil"
)

var inspectJSON bool

// inspectCmd prints what a migration would read without writing anything
var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Show the filesystem summary and the units of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := migrate.Inspect(args[0])
		if err != nil {
			return err
		}
		if inspectJSON {
			data, err := jsonutil.Marshal(in)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		printInspection(cmd.OutOrStdout(), in)
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print the inspection as JSON")
}

func printInspection(w io.Writer, in *migrate.Inspection) {
	s := in.Summary
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Image:\t%s\n", in.Image)
	fmt.Fprintf(tw, "UUID:\t%s\n", s.UUID)
	if s.VolumeName != "" {
		fmt.Fprintf(tw, "Volume:\t%s\n", s.VolumeName)
	}
	if s.LastMounted != "" {
		fmt.Fprintf(tw, "Last mounted:\t%s\n", s.LastMounted)
	}
	fmt.Fprintf(tw, "Block size:\t%d\n", s.BlockSize)
	fmt.Fprintf(tw, "Blocks:\t%d (%d free)\n", s.BlocksCount, s.FreeBlocks)
	fmt.Fprintf(tw, "Inodes:\t%d (%d bytes each)\n", s.InodesCount, s.InodeSize)
	fmt.Fprintf(tw, "Groups:\t%d\n", s.GroupCount)
	fmt.Fprintf(tw, "Features:\t%s\n", strings.Join(s.Features, " "))
	if s.NeedsRecovery {
		fmt.Fprintf(tw, "Journal:\tneeds recovery\n")
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d units\n", len(in.Units))
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tPATH\tINODE")
	for _, u := range in.Units {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", u.String(), u.Path, u.Inode)
	}
	tw.Flush()

	for _, sk := range in.Skipped {
		fmt.Fprintf(w, "skipped %s: %s\n", sk.Path, sk.Reason)
	}
}
