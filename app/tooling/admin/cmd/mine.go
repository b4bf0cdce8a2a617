package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mineCount int

var mineCmd = &cobra.Command{
	Use:   "mine <address|account>",
	Short: "Mine coinbase only blocks on top of the best chain.",
	Args:  cobra.ExactArgs(1),
	RunE:  mineRun,
}

func init() {
	rootCmd.AddCommand(mineCmd)
	mineCmd.Flags().IntVarP(&mineCount, "count", "n", 1, "Number of blocks to mine.")
}

func mineRun(cmd *cobra.Command, args []string) error {
	beneficiary, err := resolveAddress(args[0])
	if err != nil {
		return err
	}

	st, err := openState(false)
	if err != nil {
		return err
	}
	defer st.Shutdown()

	for i := 0; i < mineCount; i++ {
		block, err := st.MineNewBlock(cmd.Context(), beneficiary, nil)
		if err != nil {
			return err
		}

		fmt.Printf("Mined: %s height[%d]\n", block.Hash(), st.BestBlock().Height)
	}

	return nil
}
