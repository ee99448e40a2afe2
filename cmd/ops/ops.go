// Package ops holds one-off maintenance commands run by operators.
package ops

import (
	"fmt"

	"github.com/jmehdipour/social-publisher/internal/app"
	"github.com/jmehdipour/social-publisher/internal/janitor"
	"github.com/jmehdipour/social-publisher/internal/vault"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewOpsCmd returns the parent "ops" command.
func NewOpsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Maintenance commands",
	}
	cmd.AddCommand(newDiagnoseTokensCmd())
	cmd.AddCommand(newCleanFailedCmd())
	cmd.AddCommand(newResetStuckCmd())
	cmd.AddCommand(newRotateKeyCmd())
	return cmd
}

func newDiagnoseTokensCmd() *cobra.Command {
	var opts janitor.DiagnoseOptions
	cmd := &cobra.Command{
		Use:   "diagnose-tokens",
		Short: "Test-decrypt stored tokens; --fix deactivates accounts with corrupted ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.FromCommand(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Janitor.DiagnoseCredentials(cmd.Context(), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range rep.Problems {
				fmt.Fprintf(out, "account=%d platform=%s status=%s cause=%s key=%s\n",
					d.AccountID, d.Platform, d.Status, d.Cause, d.KeyID)
			}
			fmt.Fprintf(out, "checked=%d problems=%d fixed=%d\n", rep.Checked, len(rep.Problems), rep.Fixed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Fix, "fix", false, "deactivate accounts whose tokens cannot be decrypted")
	cmd.Flags().Int64Var(&opts.AccountID, "account", 0, "only check this account id")
	return cmd
}

func newCleanFailedCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "clean-failed-publications",
		Short: "Count failed publications; --reset moves them back to draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.FromCommand(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Janitor.CleanFailedPublications(cmd.Context(), reset)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed=%d reset=%d normalized_budgets=%d\n",
				rep.Failed, len(rep.Reset), rep.Normalized)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "reset failed publications to draft")
	return cmd
}

func newResetStuckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-stuck-jobs",
		Short: "Fail publications stuck in publishing and requeue abandoned queued ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.FromCommand(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Janitor.ResetStuckJobs(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed=%d requeued=%d\n", rep.Failed, rep.Requeued)
			return nil
		},
	}
}

func newRotateKeyCmd() *cobra.Command {
	var newKey string
	cmd := &cobra.Command{
		Use:   "rotate-encryption-key",
		Short: "Re-encrypt every stored token under a new key in one transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			if newKey == "" {
				return fmt.Errorf("--new-key is required")
			}
			a, err := app.FromCommand(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			old := append([]string{a.Cfg.Crypto.Key}, a.Cfg.Crypto.PreviousKeys...)
			next, err := vault.NewKeyring(newKey, old...)
			if err != nil {
				return fmt.Errorf("build new keyring: %w", err)
			}

			rep, err := a.Credentials.Rotate(cmd.Context(), next)
			if err != nil {
				a.Log.Error("rotation failed, old key is still in use", zap.Error(err))
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rotated accounts=%d tokens=%d to_key=%s\n", rep.Accounts, rep.Tokens, rep.ToKey)
			for kid, n := range rep.FromKeys {
				fmt.Fprintf(out, "  from_key=%s tokens=%d\n", kid, n)
			}
			fmt.Fprintln(out, "set PUBLISHER_CRYPTO_KEY to the new key and keep the old one in crypto.previous_keys")
			return nil
		},
	}
	cmd.Flags().StringVar(&newKey, "new-key", "", "secret for the new current key")
	return cmd
}
