package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kirillkom/passage-retrieval/internal/bootstrap"
	"github.com/kirillkom/passage-retrieval/internal/config"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/stats"
)

func newStatsCmd(cfg config.Config) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print embedding and search statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := bootstrap.NewKVStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			snap, err := stats.NewRecorder(store, slog.Default()).Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, snap)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	return cmd
}
