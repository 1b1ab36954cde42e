package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every stored blob against the metadata index",
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.Close()

	report, err := ws.VerifyWorkspaceIntegrity()
	if err != nil {
		return fmt.Errorf("verifying workspace: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !report.OK {
		return fmt.Errorf("workspace integrity check failed")
	}
	return nil
}
