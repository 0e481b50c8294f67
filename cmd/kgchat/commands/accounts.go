package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kgchat/kgchat/internal/storage/sqlite"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage stored accounts",
	}
	cmd.AddCommand(accountsListCmd(), accountsAddCmd(), accountsRemoveCmd(),
		accountsSwitchCmd(), accountsColorCmd())
	return cmd
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := store.Accounts()
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("no accounts stored")
				return nil
			}
			for _, a := range accounts {
				marker := "  "
				line := fmt.Sprintf("%s (id %s)", a.Login, a.UserID)
				if bg := a.EffectiveBackground(); bg != "" {
					line += "  " + nickStyle(bg).Render(bg)
				}
				if a.Active {
					marker = styleActive.Render("* ")
				}
				fmt.Println(marker + line)
			}
			return nil
		},
	}
}

func accountsAddCmd() *cobra.Command {
	var (
		userID string
		avatar string
		active bool
	)

	cmd := &cobra.Command{
		Use:   "add <login> <password>",
		Short: "Store an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := store.Add(sqlite.Account{
				UserID:   userID,
				Login:    args[0],
				Password: args[1],
				Avatar:   avatar,
			}, active)
			if err != nil {
				return err
			}
			fmt.Printf("added %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "numeric site user ID")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar name")
	cmd.Flags().BoolVar(&active, "active", false, "make this the active account")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func accountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <login>",
		Short: "Remove a stored account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := store.Remove(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no account named %q", args[0])
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}

func accountsSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <login>",
		Short: "Make an account the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := store.Switch(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no account named %q", args[0])
			}
			fmt.Printf("switched to %s\n", args[0])
			return nil
		},
	}
}

func accountsColorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "color <login> <#rrggbb|clear>",
		Short: "Set or clear the local chat background override",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			color := args[1]
			if color == "clear" {
				color = ""
			}
			ok, err := store.SetCustomBackground(args[0], color)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no account named %q", args[0])
			}
			if color == "" {
				fmt.Printf("cleared background override for %s\n", args[0])
			} else {
				fmt.Printf("set background %s for %s\n", nickStyle(color).Render(color), args[0])
			}
			return nil
		},
	}
}
