package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the workspace's virtual file tree as JSON",
	RunE:  runTree,
}

func runTree(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.Close()

	nodes, err := ws.GetVirtualFileTree()
	if err != nil {
		return fmt.Errorf("building virtual file tree: %w", err)
	}

	out, err := json.MarshalIndent(nodes, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
