package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kgchat/kgchat/internal/app"
	"github.com/kgchat/kgchat/internal/storage/sqlite"
	"github.com/kgchat/kgchat/internal/xmpp"
	"github.com/kgchat/kgchat/internal/xmpp/stanza"
)

// connect: run the chat session in the foreground and print the stream.
func connectCmd() *cobra.Command {
	var login string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect and follow the chat stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := resolveAccount(login)
			if err != nil {
				return err
			}

			a, err := app.New(cfg, log)
			if err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				fmt.Println(styleSystem.Render("* shutting down"))
				a.Stop()
			}()

			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range a.Events() {
					printEvent(ev)
				}
			}()

			err = a.Run(account)
			<-done
			return err
		},
	}

	cmd.Flags().StringVarP(&login, "login", "l", "", "account login (default: the active account)")
	return cmd
}

// resolveAccount picks the stored account to connect with.
func resolveAccount(login string) (*xmpp.Account, error) {
	var stored *sqlite.Account
	var err error
	if login != "" {
		stored, err = store.ByLogin(login)
	} else {
		stored, err = store.Active()
	}
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("no account found; add one with 'kgchat accounts add'")
	}
	return &xmpp.Account{
		UserID:           stored.UserID,
		Login:            stored.Login,
		Password:         stored.Password,
		Avatar:           stored.Avatar,
		Background:       stored.Background,
		CustomBackground: stored.CustomBackground,
	}, nil
}

func printEvent(ev app.Event) {
	switch ev.Type {
	case app.EventConnState:
		state, _ := ev.Data.(app.ConnState)
		fmt.Println(styleSystem.Render("* " + string(state)))
	case app.EventMessage:
		msg, ok := ev.Data.(stanza.Message)
		if !ok {
			return
		}
		printMessage(msg)
	case app.EventRosterChange:
		change, ok := ev.Data.(app.RosterChange)
		if !ok {
			return
		}
		printRosterChange(change)
	}
}

func printMessage(msg stanza.Message) {
	ts := styleTimestamp.Render(msg.Timestamp.Format("15:04"))
	line := fmt.Sprintf("%s %s %s", ts, nickStyle(msg.Background).Render("<"+msg.Login+">"), msg.Body)
	if msg.Initial {
		line = styleHistory.Render(fmt.Sprintf("%s <%s> %s",
			msg.Timestamp.Format("15:04"), msg.Login, msg.Body))
	}
	fmt.Println(line)
}

func printRosterChange(change app.RosterChange) {
	var line string
	switch change.Kind {
	case app.ChangeJoined:
		line = fmt.Sprintf("* %s joined", change.Login)
	case app.ChangeLeft:
		line = fmt.Sprintf("* %s left", change.Login)
	case app.ChangeGameEntered:
		line = fmt.Sprintf("* %s entered game %s", change.Login, change.GameID)
	case app.ChangeGameLeft:
		line = fmt.Sprintf("* %s left game %s", change.Login, change.PrevGameID)
	case app.ChangeGameChanged:
		line = fmt.Sprintf("* %s moved to game %s", change.Login, change.GameID)
	default:
		return
	}
	fmt.Println(styleSystem.Render(line))
}
