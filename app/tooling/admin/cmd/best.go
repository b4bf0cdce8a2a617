package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var bestCmd = &cobra.Command{
	Use:   "best",
	Short: "Print the head of the best chain.",
	RunE:  bestRun,
}

func init() {
	rootCmd.AddCommand(bestCmd)
}

func bestRun(cmd *cobra.Command, args []string) error {
	st, err := openState(true)
	if err != nil {
		return err
	}
	defer st.Shutdown()

	status := st.Status()

	fmt.Println("Best:       ", status.Best.Hash)
	fmt.Println("Height:     ", status.Best.Height)
	fmt.Println("Work:       ", status.Best.Work.Hex())
	fmt.Println("BestHeader: ", status.BestHeader.Hash)
	fmt.Println("Blocks:     ", status.Blocks)

	return nil
}
