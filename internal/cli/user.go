package cli

import (
	"fmt"

	"github.com/RichardoC/streamchat/internal/config"
	"github.com/RichardoC/streamchat/internal/db"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newUserCmd(configPath *string) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	userCmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Create a user and print a session token for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			database, err := db.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { err = multierr.Append(err, database.Close()) }()

			ctx := cmd.Context()
			user, err := database.CreateUser(ctx, args[0])
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			token, err := database.CreateSession(ctx, user.ID)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Created user %s (%s)\n", user.Name, user.ID)
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})

	return userCmd
}
