package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicmaps/ofisi/internal/moderation"
)

var (
	moderateActor    string
	moderateReason   string
	moderateForceNew bool
	moderateFile     string
)

var moderateCmd = &cobra.Command{
	Use:   "moderate",
	Short: "Run moderation actions from the command line",
}

var moderateVerifyCmd = &cobra.Command{
	Use:   "verify [contribution-id...]",
	Short: "Verify contributions, publishing canonical offices",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBulk(cmd, moderation.BulkApplyParams{
			Action:          moderation.BulkVerify,
			ContributionIDs: args,
			Actor:           moderateActor,
			ForceNew:        moderateForceNew,
		})
	},
}

var moderateRejectCmd = &cobra.Command{
	Use:   "reject [contribution-id...]",
	Short: "Reject contributions with a shared reason",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBulk(cmd, moderation.BulkApplyParams{
			Action:          moderation.BulkReject,
			ContributionIDs: args,
			Actor:           moderateActor,
			Reason:          moderateReason,
		})
	},
}

var moderateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a reviewed moderation batch file",
	RunE: func(cmd *cobra.Command, args []string) error {
		bf, err := moderation.LoadBatchFile(moderateFile)
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "moderate")
		if err != nil {
			return err
		}
		defer env.Close()

		var failed int
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, entry := range bf.Batches {
			res, err := env.Moderation.BulkApply(cmd.Context(), entry.Params())
			if err != nil {
				return err
			}
			failed += res.Failed
			if err := enc.Encode(res); err != nil {
				return eris.Wrap(err, "encode result")
			}
		}
		if failed > 0 {
			return eris.Errorf("%d item(s) failed", failed)
		}
		return nil
	},
}

func runBulk(cmd *cobra.Command, p moderation.BulkApplyParams) error {
	env, err := initEnv(cmd.Context(), "moderate")
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := env.Moderation.BulkApply(cmd.Context(), p)
	if err != nil {
		return err
	}

	zap.L().Info("bulk moderation finished",
		zap.String("action", string(res.Action)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return eris.Wrap(err, "encode result")
	}
	if res.Failed > 0 {
		return eris.Errorf("%d of %d item(s) failed", res.Failed, len(res.Items))
	}
	return nil
}

func init() {
	moderateCmd.PersistentFlags().StringVar(&moderateActor, "actor", "", "moderator identity recorded on the action")
	moderateVerifyCmd.Flags().BoolVar(&moderateForceNew, "force-new", false, "create a new canonical office even when duplicate candidates exist")
	moderateRejectCmd.Flags().StringVar(&moderateReason, "reason", "", "rejection reason (required)")
	_ = moderateRejectCmd.MarkFlagRequired("reason")
	moderateApplyCmd.Flags().StringVar(&moderateFile, "file", "", "path to the batch file (required)")
	_ = moderateApplyCmd.MarkFlagRequired("file")

	moderateCmd.AddCommand(moderateVerifyCmd, moderateRejectCmd, moderateApplyCmd)
	rootCmd.AddCommand(moderateCmd)
}
