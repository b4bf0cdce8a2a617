package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the ledger against the best chain.",
	RunE:  verifyRun,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func verifyRun(cmd *cobra.Command, args []string) error {
	st, err := openState(true)
	if err != nil {
		return err
	}
	defer st.Shutdown()

	rep, err := st.Verify()
	if err != nil {
		return err
	}

	fmt.Printf("Best: %s height[%d] blocks[%d] entries[%d]\n", rep.Best, rep.Height, rep.Blocks, rep.Entries)

	for _, p := range rep.Problems {
		fmt.Println("PROBLEM:", p)
	}

	if !rep.OK() {
		return errors.New("ledger is inconsistent with the best chain")
	}

	fmt.Println("OK")

	return nil
}
