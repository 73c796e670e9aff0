package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"convsync/internal/api"
)

var loginCmd = &cobra.Command{
	Use:   "login <username> <password>",
	Short: "Log in and print a bearer token",
	Long: `Exchanges a username and password for a bearer token. Export it as
CONVSYNC_AUTH_TOKEN or put it under auth.token in the config file.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		base := current.cfg.Server.APIURL
		if register, _ := cmd.Flags().GetBool("register"); register {
			if err := api.Register(ctx, base, args[0], args[1], nil); err != nil {
				return fmt.Errorf("register %s: %w", args[0], err)
			}
		}
		res, err := api.Login(ctx, base, args[0], args[1], nil)
		if err != nil {
			return err
		}
		current.log.Debug("logged in", "user_id", res.ID, "username", res.Username)
		fmt.Fprintln(cmd.OutOrStdout(), res.AccessToken)
		return nil
	},
}

func init() {
	loginCmd.Flags().Bool("register", false, "create the account first if it does not exist")
	rootCmd.AddCommand(loginCmd)
}
