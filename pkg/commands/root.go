// Package commands implements the larc CLI front end: one cobra command
// per §6 command-interface operation (extract_archive, get_virtual_file_tree,
// verify_workspace_integrity), plus a cat command exposing read_file_by_hash.
package commands

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/beam-cloud/larc/pkg/config"
	"github.com/beam-cloud/larc/pkg/workspace"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagRoot        string
	flagWorkspaceID string
	flagConfigPath  string
)

var rootCmd = &cobra.Command{
	Use:   "larc",
	Short: "Nested log archive ingestion: extraction, virtual file tree, integrity",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagRoot, "root", "r", "", "workspace root directory (holds objects/, metadata.db, paths.db, checkpoints/, scratch/)")
	rootCmd.PersistentFlags().StringVarP(&flagWorkspaceID, "workspace", "w", "", "workspace id")
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "larc.toml", "path to the TOML configuration file")
	rootCmd.MarkPersistentFlagRequired("root")
	rootCmd.MarkPersistentFlagRequired("workspace")

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(catCmd)
}

var (
	activeMu sync.Mutex
	active   *workspace.Workspace
)

// cancelRun stops every in-flight extraction in the currently open
// Workspace, if any.
func cancelRun() {
	activeMu.Lock()
	ws := active
	activeMu.Unlock()
	if ws != nil {
		ws.CancelAll()
	}
}

// openWorkspace loads the configuration and opens the Workspace named by
// the --root/--workspace persistent flags, registering it so a SIGINT
// reaches its Orchestrator.
func openWorkspace() (*workspace.Workspace, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	ws, err := workspace.Open(flagRoot, flagWorkspaceID, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}

	activeMu.Lock()
	active = ws
	activeMu.Unlock()
	return ws, nil
}

// Execute runs the root command, installing a ctrl-c handler that cancels
// the currently open Workspace's in-flight extractions rather than just
// killing the process outright, the same courtesy beam-cloud-clip's
// cmd/main.go pays its own spinner teardown on SIGINT.
func Execute() error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		<-sigs
		cancelRun()
		os.Exit(1)
	}()

	return rootCmd.Execute()
}
