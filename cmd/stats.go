package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the aggregate pipeline counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "stats")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Stats.Refresh(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return eris.Wrap(err, "encode stats")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
