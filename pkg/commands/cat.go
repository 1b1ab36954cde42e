package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type catOptions struct {
	Hash string
}

var catOpts = &catOptions{}

var catCmd = &cobra.Command{
	Use:   "cat",
	Short: "Write a stored blob's content to stdout by its content hash",
	RunE:  runCat,
}

func init() {
	catCmd.Flags().StringVarP(&catOpts.Hash, "hash", "H", "", "content hash to read")
	catCmd.MarkFlagRequired("hash")
}

func runCat(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.Close()

	content, err := ws.ReadFileByHash(catOpts.Hash)
	if err != nil {
		return fmt.Errorf("reading blob %s: %w", catOpts.Hash, err)
	}
	defer content.Content.Close()

	_, err = io.Copy(os.Stdout, content.Content)
	return err
}
