package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/git-hunters/githunters/internal/chain"
)

func newWaitTxCmd() *cobra.Command {
	var (
		timeout  time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait-tx <hash>",
		Short: "Poll for a transaction receipt and print its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := chain.ParseTxHash(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			client, err := chain.Dial(cmd.Context(), cfg.Chain.ClientConfig())
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.WaitForReceipt(cmd.Context(), hash, interval, timeout)
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(map[string]interface{}{
					"hash":        res.Hash.Hex(),
					"status":      res.Status,
					"blockNumber": res.BlockNumber,
					"gasUsed":     res.GasUsed,
				}); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", chain.DefaultTxWaitTimeout, "maximum time to wait for the receipt")
	cmd.Flags().DurationVar(&interval, "interval", chain.DefaultPollInterval, "receipt poll interval")
	return cmd
}
