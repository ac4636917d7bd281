package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/contact-sync/internal/model"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage classifier API credentials",
	Long:  "Commands for listing, adding, disabling, and reactivating the rotating classifier key pool.",
}

// -- keys list --

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pool credentials",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		creds, err := st.ListCredentials(ctx)
		if err != nil {
			return eris.Wrap(err, "keys list")
		}

		if len(creds) == 0 {
			fmt.Fprintln(os.Stderr, "No credentials configured.")
			return nil
		}

		formatKeysList(os.Stdout, creds)
		return nil
	},
}

// -- keys add --

var keysAddCmd = &cobra.Command{
	Use:   "add <api-key>",
	Short: "Add a credential to the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		cred := &model.Credential{EncryptedSecret: args[0]}
		if err := st.AddCredential(ctx, cred); err != nil {
			return eris.Wrap(err, "keys add")
		}
		fmt.Fprintf(os.Stdout, "Credential %s added.\n", cred.ID)
		return nil
	},
}

// -- keys disable --

var keysDisableCmd = &cobra.Command{
	Use:   "disable <credential-id>",
	Short: "Disable a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		reason, _ := cmd.Flags().GetString("reason")
		if err := st.DisableCredential(ctx, args[0], reason); err != nil {
			return eris.Wrap(err, "keys disable")
		}
		fmt.Fprintf(os.Stdout, "Credential %s disabled.\n", args[0])
		return nil
	},
}

// -- keys reactivate --

var keysReactivateCmd = &cobra.Command{
	Use:   "reactivate <credential-id>",
	Short: "Return a disabled or rate-limited credential to rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := st.ReactivateCredential(ctx, args[0]); err != nil {
			return eris.Wrap(err, "keys reactivate")
		}
		fmt.Fprintf(os.Stdout, "Credential %s reactivated.\n", args[0])
		return nil
	},
}

func formatKeysList(w io.Writer, creds []model.Credential) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFAILURES\tLAST USED\tLAST SUCCESS\tREASON")
	for _, c := range creds {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			c.ID, c.Status, c.ConsecutiveFailures,
			formatTimePtr(c.LastUsedAt), formatTimePtr(c.LastSuccessAt),
			c.DisabledReason,
		)
	}
	tw.Flush()
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func init() {
	keysDisableCmd.Flags().String("reason", "disabled by operator", "reason recorded on the credential")

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysAddCmd)
	keysCmd.AddCommand(keysDisableCmd)
	keysCmd.AddCommand(keysReactivateCmd)
	rootCmd.AddCommand(keysCmd)
}
