package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type extractOptions struct {
	ArchivePath string
	TargetDir   string
}

var extractOpts = &extractOptions{}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract a nested archive into the workspace",
	RunE:  runExtract,
}

func init() {
	extractCmd.Flags().StringVarP(&extractOpts.ArchivePath, "archive", "a", "", "path to the archive to extract")
	extractCmd.Flags().StringVarP(&extractOpts.TargetDir, "target", "t", "", "extraction target directory (default: a fresh scratch directory)")
	extractCmd.MarkFlagRequired("archive")
}

func runExtract(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.Close()

	result, err := ws.ExtractArchive(context.Background(), extractOpts.ArchivePath, extractOpts.TargetDir)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	fmt.Printf("extracted %d files, max depth reached %d, %d security events, %d warnings\n",
		result.TotalFiles, result.MaxDepthReached, len(result.SecurityEvents), len(result.Warnings))
	for category, count := range result.WarningsByCategory {
		fmt.Printf("  %s: %d\n", category, count)
	}
	if result.DepthLimitSkips > 0 {
		fmt.Printf("  depth-limit skips: %d\n", result.DepthLimitSkips)
	}
	return nil
}
