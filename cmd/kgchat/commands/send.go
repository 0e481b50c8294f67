package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kgchat/kgchat/internal/xmpp"
	"github.com/kgchat/kgchat/internal/xmpp/bosh"
)

// send: one-shot message to a room or user, without keeping a session.
func sendCmd() *cobra.Command {
	var (
		login   string
		to      string
		msgType string
	)

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a single message and disconnect",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := resolveAccount(login)
			if err != nil {
				return err
			}

			headers := map[string]string{}
			if cfg.Server.Origin != "" {
				headers["Origin"] = cfg.Server.Origin
			}
			if cfg.Server.Referer != "" {
				headers["Referer"] = cfg.Server.Referer
			}
			if cfg.Server.UserAgent != "" {
				headers["User-Agent"] = cfg.Server.UserAgent
			}

			client, err := xmpp.NewClient(cfg, bosh.NewTransport(cfg.Server.URL, headers), nil, log)
			if err != nil {
				return err
			}
			if err := client.Connect(account); err != nil {
				return err
			}
			defer client.Disconnect()

			// Groupchat messages are only accepted from occupants, so
			// enter the target room before posting.
			if msgType == "" || msgType == "groupchat" {
				room := to
				if room == "" {
					for _, r := range cfg.Rooms {
						if r.AutoJoin {
							room = r.JID
							break
						}
					}
				}
				if room == "" {
					return fmt.Errorf("no recipient: pass --to or configure an auto-join room")
				}
				if err := client.JoinRoom(room, ""); err != nil {
					return err
				}
			}

			if !client.SendMessage(strings.Join(args, " "), to, msgType) {
				return fmt.Errorf("message not sent; check the recipient and room configuration")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&login, "login", "l", "", "account login (default: the active account)")
	cmd.Flags().StringVar(&to, "to", "", "recipient JID (default: the first auto-join room)")
	cmd.Flags().StringVar(&msgType, "type", "", "message type, chat or groupchat (default groupchat)")
	return cmd
}
