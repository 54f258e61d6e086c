package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/typescan/typescan"
	"github.com/typescan/typescan/imagery"
)

var (
	verbose bool
	limit   int
)

var rootCmd = &cobra.Command{
	Use:          "typescan",
	Short:        "Inspect the type metadata records of the images loaded into this process",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(zerolog.DebugLevel).
				With().Timestamp().Logger()
			imagery.SetLogger(logger)
		}
	},
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List the binary images loaded into the current process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		images := imagery.EnumerateImages()
		if len(images) == 0 {
			return fmt.Errorf("no images found (image discovery may be unavailable on this platform)")
		}
		for _, image := range images {
			fmt.Fprintf(cmd.OutOrStdout(), "%#x\t%s\n", image.Base, image.Name)
		}
		return nil
	},
}

var sectionCmd = &cobra.Command{
	Use:   "section <name>",
	Short: "Locate a named section in every loaded image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		found := 0
		for _, image := range imagery.EnumerateImages() {
			section, ok := imagery.FindSection(image, args[0])
			if !ok {
				continue
			}
			found++
			fmt.Fprintf(cmd.OutOrStdout(), "%#x\t%#x+%d\t%s\n", image.Base, section.Start, section.Size, image.Name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d image(s) contain %q\n", found, args[0])
		return nil
	},
}

var typesCmd = &cobra.Command{
	Use:   "types <substring>",
	Short: "Enumerate type metadata records whose names contain a substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count := 0
		for t := range typescan.TypesWithNamesContaining(args[0]) {
			fmt.Fprintf(cmd.OutOrStdout(), "%#x\t%p\t%s\n", t.Image, t.Metadata, t.Name)
			count++
			if limit > 0 && count >= limit {
				break
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d match(es)\n", count)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log skipped images and sections to stderr")
	typesCmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many matches (0 means no limit)")
	rootCmd.AddCommand(imagesCmd, sectionCmd, typesCmd)
}
